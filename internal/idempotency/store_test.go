package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "missing"); rec != nil {
		t.Fatalf("expected nil for missing key")
	}

	record := Record{
		StatusCode:  201,
		Response:    []byte("ok"),
		Fingerprint: Fingerprint("POST", "/api/v1/purchases", []byte(`{"amount":"1"}`)),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Matches(record.Fingerprint) || got.Matches("other") {
		t.Fatalf("fingerprint match wrong for %q", got.Fingerprint)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	record := Record{StatusCode: 201, CreatedAt: time.Now().Add(-2 * time.Minute), ExpiresAt: time.Now().Add(-time.Minute)}
	if err := store.Save(ctx, "old", record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatalf("expected expired record to be hidden")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	record := Record{
		StatusCode: 201,
		Response:   []byte("resp"),
		CreatedAt:  time.Unix(0, 0),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestFileStorePurgeDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	now := time.Now()
	store.now = func() time.Time { return now }

	ctx := context.Background()
	_ = store.Save(ctx, "live", Record{StatusCode: 201, ExpiresAt: now.Add(time.Hour)})
	store.data["stale"] = Record{StatusCode: 201, ExpiresAt: now.Add(-time.Hour)}

	n, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one purged record, got %d", n)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}
	if got, _ := reopened.Get(ctx, "live"); got == nil {
		t.Fatalf("live record lost")
	}
	if _, ok := reopened.data["stale"]; ok {
		t.Fatalf("stale record persisted")
	}
}
