package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a cached purchase response plus the fingerprint of the request
// that produced it.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Matches reports whether fingerprint identifies the request that produced r.
// Records written before fingerprints existed match anything.
func (r *Record) Matches(fingerprint string) bool {
	return r.Fingerprint == "" || r.Fingerprint == fingerprint
}

func (r *Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence. Expired records read as missing.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Purger drops expired records and reports how many went.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Purge(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purge(m.data, m.now()), nil
}

// FileStore keeps records in one JSON file for a single local agent.
// Expired entries are dropped whenever the file is rewritten.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
		now:  time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("load idempotency file %s: %w", path, err)
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

// persist writes through a temp file so a crash never leaves half a file.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	purge(f.data, f.now())
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

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok || record.expired(f.now()) {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Purge(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := purge(f.data, f.now())
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}

func purge(data map[string]Record, now time.Time) int64 {
	var n int64
	for key, rec := range data {
		if rec.expired(now) {
			delete(data, key)
			n++
		}
	}
	return n
}
