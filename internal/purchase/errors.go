package purchase

import (
	"errors"
	"fmt"

	"escrowpresale/internal/acquisition"
	"escrowpresale/internal/backend"
	"escrowpresale/internal/chain"
	"escrowpresale/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Precondition failures. They are returned before any state change or
// network call.
var (
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrCurrencyInactive   = errors.New("selected currency is not active")
	ErrPurchaseInFlight   = errors.New("a purchase is already in progress")
	ErrClaimInFlight      = errors.New("a claim is already in progress")
	ErrClaimUnavailable   = errors.New("claiming is not enabled yet")
)

// Kind classifies why an attempt failed.
type Kind string

const (
	KindConfig            Kind = "config"
	KindRPC               Kind = "rpc"
	KindVoucherRequest    Kind = "voucher_request"
	KindApproval          Kind = "approval"
	KindTransactionRevert Kind = "transaction_revert"
	KindUserRejection     Kind = "user_rejection"
)

// Error is the terminal failure of an attempt. Reason is safe to show to the
// buyer verbatim.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func classify(phase Phase, err error, contract abi.ABI) *Error {
	e := &Error{Op: string(phase), Err: err, Reason: Reason(err, contract)}

	var reqErr *backend.RequestError
	var revert *chain.RevertError
	switch {
	case wallet.IsRejection(err):
		e.Kind = KindUserRejection
	case errors.Is(err, chain.ErrNotConfigured), errors.Is(err, backend.ErrNotConfigured):
		e.Kind = KindConfig
	case errors.Is(err, acquisition.ErrNonceRead):
		e.Kind = KindRPC
	case errors.As(err, &reqErr), errors.Is(err, acquisition.ErrStaleNonce):
		e.Kind = KindVoucherRequest
	case phase == Approving:
		e.Kind = KindApproval
	case errors.As(err, &revert), chain.RevertReason(err, contract) != "":
		e.Kind = KindTransactionRevert
	default:
		e.Kind = KindRPC
	}
	return e
}

// Reason picks the most specific message available: the backend's own error
// text, then the contract revert reason, then the raw error.
func Reason(err error, contract abi.ABI) string {
	if err == nil {
		return "unknown error"
	}
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	if reason := chain.RevertReason(err, contract); reason != "" {
		return reason
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
