package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultHeader = "X-Idempotency-Key"
	ReplayHeader  = "Idempotent-Replayed"
)

// Guard replays the stored response for a repeated idempotency key instead
// of running the handler again.
type Guard struct {
	Store  Store
	Window time.Duration
	Header string
	Logger *slog.Logger
	// OnReplay is called for every replayed response.
	OnReplay func()
	Now      func() time.Time
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := g.Header
		if header == "" {
			header = DefaultHeader
		}
		key := r.Header.Get(header)
		if key == "" {
			http.Error(w, header+" header required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := Fingerprint(r.Method, r.URL.Path, body)

		ctx := r.Context()
		rec, err := g.Store.Get(ctx, key)
		if err != nil {
			g.logger().Error("idempotency lookup", "key", key, "err", err)
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if rec != nil {
			if !rec.Matches(fingerprint) {
				http.Error(w, "idempotency key reused with a different request", http.StatusUnprocessableEntity)
				return
			}
			if g.OnReplay != nil {
				g.OnReplay()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(ReplayHeader, "true")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.Response)
			return
		}

		capture := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)

		if !cacheable(capture.status) {
			return
		}
		now := g.now()
		err = g.Store.Save(ctx, key, Record{
			StatusCode:  capture.status,
			Response:    capture.body.Bytes(),
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.window()),
		})
		if err != nil {
			g.logger().Warn("idempotency save", "key", key, "err", err)
		}
	})
}

// cacheable keeps final outcomes only. Conflicts and server errors may
// succeed on retry.
func cacheable(status int) bool {
	switch {
	case status >= 500:
		return false
	case status == http.StatusConflict, status == http.StatusTooManyRequests:
		return false
	}
	return true
}

func (g *Guard) window() time.Duration {
	if g.Window <= 0 {
		return 24 * time.Hour
	}
	return g.Window
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Guard) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
