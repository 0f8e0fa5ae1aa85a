package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidKey = errors.New("invalid private key")
	// ErrRejected is returned by signers when the holder declines a signature.
	ErrRejected = errors.New("user rejected the request")
)

// Keyed signs with a locally held key. Every call to TransactOpts builds a
// new transactor so no signing state outlives a single write.
type Keyed struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

func NewKeyed(privateKeyHex string, chainID int64) (*Keyed, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewKeyedFromKey(key, chainID), nil
}

func NewKeyedFromKey(key *ecdsa.PrivateKey, chainID int64) *Keyed {
	return &Keyed{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}
}

func (k *Keyed) Address() common.Address {
	return k.address
}

func (k *Keyed) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(k.key, k.chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// IsRejection reports whether err means the signer declined rather than failed.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}
