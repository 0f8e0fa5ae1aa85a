package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrowpresale/internal/contracts"
	"escrowpresale/internal/hmacauth"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

var ErrNotConfigured = errors.New("authorization backend url not configured")

// RequestError is a failed backend call. Message holds the backend's own
// error text when it sent one.
type RequestError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL    string
	http       *http.Client
	signer     *hmacauth.Signer
	statusWait time.Duration
	log        *slog.Logger
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Secret signs outbound requests; empty disables signing.
	Secret string
	// StatusRetryWindow bounds retries of verification status reads.
	StatusRetryWindow time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wait := cfg.StatusRetryWindow
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       httpClient,
		signer:     &hmacauth.Signer{Secret: cfg.Secret},
		statusWait: wait,
		log:        logger,
	}
}

// VoucherRequest is the body of POST /api/presale/voucher.
type VoucherRequest struct {
	Buyer        common.Address
	Beneficiary  common.Address
	PaymentToken common.Address
	USDAmount    decimal.Decimal
	UserID       string
	UserNonce    *big.Int
	Decimals     int
}

func (r VoucherRequest) MarshalJSON() ([]byte, error) {
	nonce := "0"
	if r.UserNonce != nil {
		nonce = r.UserNonce.String()
	}
	return json.Marshal(struct {
		Buyer        string      `json:"buyer"`
		Beneficiary  string      `json:"beneficiary"`
		PaymentToken string      `json:"paymentToken"`
		USDAmount    json.Number `json:"usdAmount"`
		UserID       string      `json:"userId"`
		UserNonce    string      `json:"usernonce"`
		Decimals     int         `json:"decimals"`
	}{
		Buyer:        r.Buyer.Hex(),
		Beneficiary:  r.Beneficiary.Hex(),
		PaymentToken: r.PaymentToken.Hex(),
		USDAmount:    json.Number(r.USDAmount.String()),
		UserID:       r.UserID,
		UserNonce:    nonce,
		Decimals:     r.Decimals,
	})
}

// VoucherResponse is the backend's signed authorization, passed to the
// contract untouched.
type VoucherResponse struct {
	Voucher   contracts.Voucher
	Signature []byte
}

type wireVoucher struct {
	Buyer        common.Address        `json:"buyer"`
	Beneficiary  common.Address        `json:"beneficiary"`
	PaymentToken common.Address        `json:"paymentToken"`
	UsdLimit     *math.HexOrDecimal256 `json:"usdLimit"`
	Nonce        *math.HexOrDecimal256 `json:"nonce"`
	Deadline     *math.HexOrDecimal256 `json:"deadline"`
	Presale      common.Address        `json:"presale"`
}

func (r *VoucherResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		Voucher   *wireVoucher  `json:"voucher"`
		Signature hexutil.Bytes `json:"signature"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Voucher == nil {
		return errors.New("response missing voucher")
	}
	if len(wire.Signature) == 0 {
		return errors.New("response missing signature")
	}
	v := wire.Voucher
	r.Voucher = contracts.Voucher{
		Buyer:        v.Buyer,
		Beneficiary:  v.Beneficiary,
		PaymentToken: v.PaymentToken,
		Presale:      v.Presale,
	}
	var err error
	if r.Voucher.UsdLimit, err = unsigned("usdLimit", v.UsdLimit); err != nil {
		return err
	}
	if r.Voucher.Nonce, err = unsigned("nonce", v.Nonce); err != nil {
		return err
	}
	if r.Voucher.Deadline, err = unsigned("deadline", v.Deadline); err != nil {
		return err
	}
	r.Signature = wire.Signature
	return nil
}

// unsigned reads a uint256 voucher field; a missing field is zero.
func unsigned(field string, v *math.HexOrDecimal256) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	n := new(big.Int).Set((*big.Int)(v))
	if n.Sign() < 0 {
		return nil, fmt.Errorf("voucher %s is negative: %s", field, n)
	}
	return n, nil
}

func (c *Client) RequestVoucher(ctx context.Context, req VoucherRequest) (VoucherResponse, error) {
	const op = "request voucher"
	var out VoucherResponse
	if err := c.do(ctx, op, http.MethodPost, "/api/presale/voucher", req, &out); err != nil {
		return VoucherResponse{}, err
	}
	c.log.Debug("voucher received", "buyer", out.Voucher.Buyer.Hex(), "nonce", out.Voucher.Nonce, "deadline", out.Voucher.Deadline)
	return out, nil
}

// VerificationRequest is the body of POST /api/verify/start.
type VerificationRequest struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Country string `json:"country"`
}

// NormalizeCountry collapses a country code to the two values the backend accepts.
func NormalizeCountry(code string) string {
	if strings.EqualFold(strings.TrimSpace(code), "US") {
		return "US"
	}
	return "Other"
}

func (c *Client) StartVerification(ctx context.Context, req VerificationRequest) error {
	req.Country = NormalizeCountry(req.Country)
	return c.do(ctx, "start verification", http.MethodPost, "/api/verify/start", req, nil)
}

type Verification struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
}

// VerificationStatus is idempotent, so network failures and 5xx responses
// are retried with exponential backoff.
func (c *Client) VerificationStatus(ctx context.Context, userID string) (Verification, error) {
	const op = "verification status"
	path := "/api/verify/status/" + url.PathEscape(userID)

	var out Verification
	operation := func() error {
		err := c.do(ctx, op, http.MethodGet, path, nil, &out)
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Status >= 400 && reqErr.Status < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrNotConfigured) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(c.statusWait))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return Verification{}, err
	}
	if out.Status == "" {
		if out.Verified {
			out.Status = "verified"
		} else {
			out.Status = "pending"
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.signer.Sign(req, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorMessage prefers the backend's {"error": "..."} payload, then
// {"message": "..."}, then the raw text.
func errorMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
