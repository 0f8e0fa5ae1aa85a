package backend

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"escrowpresale/internal/hmacauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var buyer = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestRequestVoucher(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/presale/voucher", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NotEmpty(t, r.Header.Get(hmacauth.DefaultSignatureHeader))
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		require.NoError(t, dec.Decode(&got))

		_, _ = w.Write([]byte(`{
			"voucher": {
				"buyer": "0x1111111111111111111111111111111111111111",
				"beneficiary": "0x1111111111111111111111111111111111111111",
				"paymentToken": "0x0000000000000000000000000000000000000000",
				"usdLimit": "8400000000000000000000",
				"nonce": 3,
				"deadline": "0x6553f100",
				"presale": "0x00000000000000000000000000000000000000aa"
			},
			"signature": "0xdeadbeef"
		}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", Secret: "s3cret", Logger: slogt.New(t)})
	resp, err := c.RequestVoucher(context.Background(), VoucherRequest{
		Buyer:        buyer,
		Beneficiary:  buyer,
		PaymentToken: common.Address{},
		USDAmount:    decimal.RequireFromString("8400"),
		UserID:       buyer.Hex(),
		UserNonce:    big.NewInt(3),
		Decimals:     18,
	})
	require.NoError(t, err)

	require.Equal(t, json.Number("8400"), got["usdAmount"])
	require.Equal(t, "3", got["usernonce"])
	require.Equal(t, json.Number("18"), got["decimals"])
	require.Equal(t, buyer.Hex(), got["userId"])

	limit, ok := new(big.Int).SetString("8400000000000000000000", 10)
	require.True(t, ok)
	require.Equal(t, limit, resp.Voucher.UsdLimit)
	require.Equal(t, big.NewInt(3), resp.Voucher.Nonce)
	require.Equal(t, big.NewInt(0x6553f100), resp.Voucher.Deadline)
	require.Equal(t, common.HexToAddress("0xaa"), resp.Voucher.Presale)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, resp.Signature)
}

func TestRequestVoucherPreservesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"USD limit exceeded for buyer"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: slogt.New(t)})
	_, err := c.RequestVoucher(context.Background(), VoucherRequest{Buyer: buyer, UserNonce: big.NewInt(0)})

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusUnprocessableEntity, reqErr.Status)
	require.Equal(t, "USD limit exceeded for buyer", reqErr.Message)
}

func TestRequestVoucherRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"voucher":{"nonce":"1"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: slogt.New(t)})
	_, err := c.RequestVoucher(context.Background(), VoucherRequest{Buyer: buyer})
	require.Error(t, err)
}

func TestVoucherIntegerEncodings(t *testing.T) {
	cases := []struct {
		name  string
		nonce string
		want  *big.Int
		err   bool
	}{
		{"number", `7`, big.NewInt(7), false},
		{"decimal string", `"7"`, big.NewInt(7), false},
		{"hex string", `"0x1f"`, big.NewInt(31), false},
		{"null", `null`, big.NewInt(0), false},
		{"negative", `"-1"`, nil, true},
		{"garbage", `"seven"`, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp VoucherResponse
			err := json.Unmarshal([]byte(`{"voucher":{"nonce":`+tc.nonce+`,"deadline":"1900000000"},"signature":"0x01"}`), &resp)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 0, tc.want.Cmp(resp.Voucher.Nonce), resp.Voucher.Nonce.String())
			require.Equal(t, int64(1_900_000_000), resp.Voucher.Deadline.Int64())
			require.Zero(t, resp.Voucher.UsdLimit.Sign())
		})
	}
}

func TestUnconfiguredBackend(t *testing.T) {
	c := New(Config{Logger: slogt.New(t)})
	_, err := c.RequestVoucher(context.Background(), VoucherRequest{})
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.VerificationStatus(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestStartVerificationNormalizesCountry(t *testing.T) {
	var got VerificationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/verify/start", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: slogt.New(t)})
	require.NoError(t, c.StartVerification(context.Background(), VerificationRequest{UserID: "u1", Country: "KE"}))
	require.Equal(t, "Other", got.Country)
	require.Equal(t, "US", NormalizeCountry(" us "))
}

func TestVerificationStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/verify/status/0xabc", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"verified":true,"status":"verified"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, StatusRetryWindow: 5 * time.Second, Logger: slogt.New(t)})
	v, err := c.VerificationStatus(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.Equal(t, int32(3), calls.Load())
}

func TestVerificationStatusDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown user"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: slogt.New(t)})
	_, err := c.VerificationStatus(context.Background(), "nobody")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Contains(t, err.Error(), "unknown user")
}

func TestVerificationStatusDefaultsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"verified":false}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: slogt.New(t)})
	v, err := c.VerificationStatus(context.Background(), "u")
	require.NoError(t, err)
	require.Equal(t, "pending", v.Status)
}
