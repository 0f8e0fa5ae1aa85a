package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNotConfigured is returned when the contract a call targets has no usable address.
	ErrNotConfigured = errors.New("contract address not configured")
	// ErrNoContractCode is returned for token reads against an address without deployed code.
	ErrNoContractCode = errors.New("no contract code at address")
	// ErrChainMismatch is reported by Ping while the node serves another chain.
	ErrChainMismatch = errors.New("chain id mismatch")
)

// TokenPrice is the presale's oracle entry for a payment token. PriceUSD is
// scaled by 10^8.
type TokenPrice struct {
	PriceUSD *big.Int
	IsActive bool
	Decimals uint8
}

// Supply holds the presale-wide figures, all 18-decimal fixed point.
type Supply struct {
	MaxTokens   *big.Int
	Minted      *big.Int
	CanClaim    bool
	PresaleRate *big.Int
}

// RevertError reports a mined transaction whose receipt status is failed.
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

// HealthChecker is implemented by clients that can probe the node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
