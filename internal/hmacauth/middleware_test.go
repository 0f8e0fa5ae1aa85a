package hmacauth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"amount":"2","currency":"ETH"}`
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := ComputeSignature("secret", ts, []byte(body))

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(DefaultSignatureHeader, sig)
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.String()
		w.WriteHeader(http.StatusOK)
	})

	v.Middleware(handler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, body, seen, "body must be readable after verification")
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	v := &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Now: func() time.Time {
			return now
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"foo":"bar"}`))
	req.Header.Set(DefaultSignatureHeader, "deadbeef")
	req.Header.Set(DefaultTimestampHeader, ts)
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	body := []byte(`{}`)

	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return now }}
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(string(body)))
	req.Header.Set(DefaultSignatureHeader, ComputeSignature("secret", ts, body))
	req.Header.Set(DefaultTimestampHeader, ts)

	require.ErrorIs(t, v.verify(req), ErrStaleTimestamp)
}

func TestSignerRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"buyer":"0xabc"}`)
	s := &Signer{Secret: "shared", SignatureHeader: "X-Presale-Signature", Now: func() time.Time { return now }}
	v := &Verifier{Secret: "shared", MaxSkew: time.Minute, SignatureHeader: "X-Presale-Signature", Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/api/presale/voucher", strings.NewReader(string(body)))
	s.Sign(req, body)

	require.NotEmpty(t, req.Header.Get("X-Presale-Signature"))
	require.NoError(t, v.verify(req))
}

func TestSignerWithoutSecretIsNoop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	var s *Signer
	s.Sign(req, nil)
	(&Signer{}).Sign(req, nil)
	require.Empty(t, req.Header.Get(DefaultSignatureHeader))
}
