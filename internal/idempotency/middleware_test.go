package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func guarded(t *testing.T, status int) (http.Handler, *atomic.Int32, *atomic.Int32) {
	t.Helper()
	var calls, replays atomic.Int32
	g := &Guard{
		Store:    NewMemoryStore(),
		Window:   time.Minute,
		OnReplay: func() { replays.Add(1) },
	}
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	}))
	return h, &calls, &replays
}

func post(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/purchases", strings.NewReader(body))
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGuardReplaysSameRequest(t *testing.T) {
	h, calls, replays := guarded(t, http.StatusCreated)

	first := post(h, "k1", `{"amount":"1"}`)
	second := post(h, "k1", `{"amount":"1"}`)

	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
	if replays.Load() != 1 {
		t.Fatalf("expected one replay, got %d", replays.Load())
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %q vs %q", second.Code, second.Body.String(), first.Body.String())
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestGuardRejectsReusedKeyWithDifferentBody(t *testing.T) {
	h, calls, _ := guarded(t, http.StatusCreated)

	post(h, "k1", `{"amount":"1"}`)
	rr := post(h, "k1", `{"amount":"2"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if calls.Load() != 1 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestGuardRequiresKey(t *testing.T) {
	h, calls, _ := guarded(t, http.StatusCreated)
	rr := post(h, "", `{}`)
	if rr.Code != http.StatusBadRequest || calls.Load() != 0 {
		t.Fatalf("expected 400 without running handler, got %d", rr.Code)
	}
}

func TestGuardDoesNotCacheConflicts(t *testing.T) {
	h, calls, _ := guarded(t, http.StatusConflict)
	post(h, "k1", `{}`)
	post(h, "k1", `{}`)
	if calls.Load() != 2 {
		t.Fatalf("conflict should not be cached, handler ran %d times", calls.Load())
	}
}

func TestFingerprintDistinguishesPath(t *testing.T) {
	a := Fingerprint(http.MethodPost, "/a", []byte("x"))
	b := Fingerprint(http.MethodPost, "/b", []byte("x"))
	if a == b {
		t.Fatalf("fingerprints should differ")
	}
}
