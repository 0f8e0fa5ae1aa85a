package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestKeyedFreshTransactOpts(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w := NewKeyedFromKey(key, 11155111)

	a, err := w.TransactOpts(context.Background())
	require.NoError(t, err)
	b, err := w.TransactOpts(context.Background())
	require.NoError(t, err)

	require.Equal(t, w.Address(), a.From)
	require.NotSame(t, a, b)
}

func TestNewKeyedRejectsGarbage(t *testing.T) {
	_, err := NewKeyed("0xnot-a-key", 1)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestIsRejection(t *testing.T) {
	require.True(t, IsRejection(fmt.Errorf("approve: %w", ErrRejected)))
	require.True(t, IsRejection(errors.New("MetaMask Tx Signature: User denied transaction signature.")))
	require.False(t, IsRejection(errors.New("insufficient funds")))
	require.False(t, IsRejection(nil))
}
