package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"escrowpresale/internal/purchase"

	"github.com/google/uuid"
)

// Store keeps the latest state of every attempt. Record satisfies
// purchase.Recorder; an older snapshot never overwrites a newer one.
type Store interface {
	Record(ctx context.Context, a purchase.Attempt) error
	Get(ctx context.Context, id uuid.UUID) (*purchase.Attempt, error)
	List(ctx context.Context, buyer string, limit int) ([]purchase.Attempt, error)
	Ping(ctx context.Context) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID]purchase.Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[uuid.UUID]purchase.Attempt)}
}

func (m *MemoryStore) Record(_ context.Context, a purchase.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	put(m.data, a)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*purchase.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) List(_ context.Context, buyer string, limit int) ([]purchase.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return list(m.data, buyer, limit), nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// FileStore persists attempts to a JSON file. Suitable for a single local
// agent.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[uuid.UUID]purchase.Attempt
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[uuid.UUID]purchase.Attempt),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Record(_ context.Context, a purchase.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !put(f.data, a) {
		return nil
	}
	return f.persist()
}

func (f *FileStore) Get(_ context.Context, id uuid.UUID) (*purchase.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.data[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (f *FileStore) List(_ context.Context, buyer string, limit int) ([]purchase.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return list(f.data, buyer, limit), nil
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

// put stores a unless a newer snapshot of the same attempt is present.
func put(data map[uuid.UUID]purchase.Attempt, a purchase.Attempt) bool {
	if cur, ok := data[a.ID]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
		return false
	}
	data[a.ID] = a
	return true
}

// list returns attempts newest first. An empty buyer matches everyone.
func list(data map[uuid.UUID]purchase.Attempt, buyer string, limit int) []purchase.Attempt {
	out := make([]purchase.Attempt, 0, len(data))
	for _, a := range data {
		if buyer == "" || strings.EqualFold(a.Buyer, buyer) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
