package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"escrowpresale/internal/backend"
	"escrowpresale/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrNonceRead wraps failures of the authorizer nonces(buyer) call.
	ErrNonceRead = errors.New("read authorizer nonce")
	// ErrStaleNonce means the backend kept signing a nonce other than the one just read.
	ErrStaleNonce = errors.New("voucher nonce does not match authorizer nonce")
)

type NonceReader interface {
	Nonce(ctx context.Context, buyer common.Address) (*big.Int, error)
}

type VoucherIssuer interface {
	RequestVoucher(ctx context.Context, req backend.VoucherRequest) (backend.VoucherResponse, error)
}

// Request describes the purchase a voucher is needed for.
type Request struct {
	Buyer        common.Address
	Beneficiary  common.Address
	PaymentToken common.Address
	USDAmount    decimal.Decimal
	UserID       string
	Decimals     int
}

// Grant is a voucher bound to the nonce it was issued against.
type Grant struct {
	Voucher   contracts.Voucher
	Signature []byte
	Nonce     *big.Int
}

// Hooks observe protocol progress. They run synchronously between the nonce
// read and the voucher request, so they must not block.
type Hooks struct {
	NonceRead func(nonce *big.Int)
}

// Protocol reads the buyer's nonce and immediately requests a voucher for it.
// Nothing is cached between calls.
type Protocol struct {
	nonces   NonceReader
	issuer   VoucherIssuer
	maxTries int
	log      *slog.Logger
}

func New(nonces NonceReader, issuer VoucherIssuer, maxTries int, logger *slog.Logger) *Protocol {
	if maxTries <= 0 {
		maxTries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{nonces: nonces, issuer: issuer, maxTries: maxTries, log: logger}
}

// Acquire returns a voucher whose nonce equals the most recent authorizer
// read. A mismatching voucher restarts from the nonce read; it is never
// reused.
func (p *Protocol) Acquire(ctx context.Context, req Request, hooks Hooks) (Grant, error) {
	if req.Beneficiary == (common.Address{}) {
		req.Beneficiary = req.Buyer
	}
	if req.UserID == "" {
		req.UserID = req.Buyer.Hex()
	}

	for try := 1; try <= p.maxTries; try++ {
		nonce, err := p.nonces.Nonce(ctx, req.Buyer)
		if err != nil {
			return Grant{}, fmt.Errorf("%w: %w", ErrNonceRead, err)
		}
		if hooks.NonceRead != nil {
			hooks.NonceRead(nonce)
		}

		resp, err := p.issuer.RequestVoucher(ctx, backend.VoucherRequest{
			Buyer:        req.Buyer,
			Beneficiary:  req.Beneficiary,
			PaymentToken: req.PaymentToken,
			USDAmount:    req.USDAmount,
			UserID:       req.UserID,
			UserNonce:    nonce,
			Decimals:     req.Decimals,
		})
		if err != nil {
			return Grant{}, err
		}

		if resp.Voucher.Nonce != nil && resp.Voucher.Nonce.Cmp(nonce) == 0 {
			return Grant{Voucher: resp.Voucher, Signature: resp.Signature, Nonce: nonce}, nil
		}
		p.log.Warn("voucher nonce mismatch, re-reading nonce",
			"buyer", req.Buyer.Hex(), "read", nonce, "voucher", resp.Voucher.Nonce, "try", try)
	}
	return Grant{}, fmt.Errorf("%w after %d tries", ErrStaleNonce, p.maxTries)
}
