package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"escrowpresale/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is an in-memory presale deployment for tests and dry runs.
// Writes take effect when the transaction is awaited with WaitMined.
type FakeClient struct {
	mu sync.Mutex

	Presale    common.Address
	Prices     map[common.Address]TokenPrice
	Decimals   map[common.Address]uint8
	Nonces     map[common.Address]*big.Int
	Native     map[common.Address]*big.Int
	Tokens     map[common.Address]map[common.Address]*big.Int
	Allowances map[common.Address]map[common.Address]*big.Int
	Purchased  map[common.Address]*big.Int
	Stats      Supply

	// Errs injects an error for the named method, e.g. "TokenPrice" or "Approve".
	Errs map[string]error
	// Reverts makes the receipt of the named write fail with the given reason.
	Reverts map[string]string
	// Calls records writes and receipt waits in order.
	Calls []string

	pending map[common.Hash]pendingTx
	txNonce uint64
}

type pendingTx struct {
	method string
	from   common.Address
	apply  func()
}

func NewFakeClient(presale common.Address) *FakeClient {
	return &FakeClient{
		Presale:    presale,
		Prices:     make(map[common.Address]TokenPrice),
		Decimals:   make(map[common.Address]uint8),
		Nonces:     make(map[common.Address]*big.Int),
		Native:     make(map[common.Address]*big.Int),
		Tokens:     make(map[common.Address]map[common.Address]*big.Int),
		Allowances: make(map[common.Address]map[common.Address]*big.Int),
		Purchased:  make(map[common.Address]*big.Int),
		Errs:       make(map[string]error),
		Reverts:    make(map[string]string),
		pending:    make(map[common.Hash]pendingTx),
	}
}

func (f *FakeClient) fail(method string) error {
	return f.Errs[method]
}

func (f *FakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail("Ping")
}

func (f *FakeClient) PresaleAddress() common.Address {
	return f.Presale
}

func (f *FakeClient) TokenPrice(_ context.Context, token common.Address) (TokenPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TokenPrice"); err != nil {
		return TokenPrice{}, err
	}
	if err := f.fail("TokenPrice:" + token.Hex()); err != nil {
		return TokenPrice{}, err
	}
	p, ok := f.Prices[token]
	if !ok {
		return TokenPrice{}, fmt.Errorf("getTokenPrice %s: execution reverted", token.Hex())
	}
	return p, nil
}

func (f *FakeClient) TokenDecimals(_ context.Context, token common.Address) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TokenDecimals"); err != nil {
		return 0, err
	}
	d, ok := f.Decimals[token]
	if !ok {
		return 0, fmt.Errorf("decimals %s: execution reverted", token.Hex())
	}
	return d, nil
}

func (f *FakeClient) Nonce(_ context.Context, buyer common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Nonce"); err != nil {
		return nil, err
	}
	return cloneOrZero(f.Nonces[buyer]), nil
}

func (f *FakeClient) TotalPurchased(_ context.Context, user common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TotalPurchased"); err != nil {
		return nil, err
	}
	return cloneOrZero(f.Purchased[user]), nil
}

func (f *FakeClient) SupplyStats(context.Context) (Supply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SupplyStats"); err != nil {
		return Supply{}, err
	}
	return Supply{
		MaxTokens:   cloneOrZero(f.Stats.MaxTokens),
		Minted:      cloneOrZero(f.Stats.Minted),
		CanClaim:    f.Stats.CanClaim,
		PresaleRate: cloneOrZero(f.Stats.PresaleRate),
	}, nil
}

func (f *FakeClient) NativeBalance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("NativeBalance"); err != nil {
		return nil, err
	}
	return cloneOrZero(f.Native[account]), nil
}

func (f *FakeClient) TokenBalance(_ context.Context, token, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TokenBalance"); err != nil {
		return nil, err
	}
	balances, ok := f.Tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContractCode, token.Hex())
	}
	return cloneOrZero(balances[account]), nil
}

func (f *FakeClient) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Allowance"); err != nil {
		return nil, err
	}
	if spender != f.Presale {
		return new(big.Int), nil
	}
	return cloneOrZero(f.Allowances[token][owner]), nil
}

func (f *FakeClient) SetAllowance(token, owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAllowance(token, owner, amount)
}

func (f *FakeClient) setAllowance(token, owner common.Address, amount *big.Int) {
	if f.Allowances[token] == nil {
		f.Allowances[token] = make(map[common.Address]*big.Int)
	}
	f.Allowances[token][owner] = new(big.Int).Set(amount)
}

func (f *FakeClient) Approve(_ context.Context, opts *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Approve"); err != nil {
		return nil, err
	}
	owner := opts.From
	amt := new(big.Int).Set(amount)
	return f.send("Approve", owner, token, nil, func() {
		if spender == f.Presale {
			f.setAllowance(token, owner, amt)
		}
	}), nil
}

func (f *FakeClient) BuyWithNativeVoucher(_ context.Context, opts *bind.TransactOpts, beneficiary common.Address, voucher contracts.Voucher, _ []byte, value *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("BuyWithNativeVoucher"); err != nil {
		return nil, err
	}
	buyer := opts.From
	return f.send("BuyWithNativeVoucher", buyer, f.Presale, value, func() {
		f.Native[buyer] = new(big.Int).Sub(cloneOrZero(f.Native[buyer]), value)
		f.consume(buyer, beneficiary, voucher)
	}), nil
}

func (f *FakeClient) BuyWithTokenVoucher(_ context.Context, opts *bind.TransactOpts, token common.Address, amount *big.Int, beneficiary common.Address, voucher contracts.Voucher, _ []byte) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("BuyWithTokenVoucher"); err != nil {
		return nil, err
	}
	buyer := opts.From
	amt := new(big.Int).Set(amount)
	return f.send("BuyWithTokenVoucher", buyer, f.Presale, nil, func() {
		allowance := cloneOrZero(f.Allowances[token][buyer])
		f.setAllowance(token, buyer, new(big.Int).Sub(allowance, amt))
		if f.Tokens[token] != nil {
			f.Tokens[token][buyer] = new(big.Int).Sub(cloneOrZero(f.Tokens[token][buyer]), amt)
		}
		f.consume(buyer, beneficiary, voucher)
	}), nil
}

func (f *FakeClient) ClaimTokens(_ context.Context, opts *bind.TransactOpts) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ClaimTokens"); err != nil {
		return nil, err
	}
	claimer := opts.From
	return f.send("ClaimTokens", claimer, f.Presale, nil, func() {
		f.Purchased[claimer] = new(big.Int)
	}), nil
}

// consume advances the buyer's nonce and credits the voucher's USD limit as
// purchased tokens, enough to observe a settlement.
func (f *FakeClient) consume(buyer, beneficiary common.Address, voucher contracts.Voucher) {
	f.Nonces[buyer] = new(big.Int).Add(cloneOrZero(f.Nonces[buyer]), big.NewInt(1))
	credit := cloneOrZero(voucher.UsdLimit)
	f.Purchased[beneficiary] = new(big.Int).Add(cloneOrZero(f.Purchased[beneficiary]), credit)
}

func (f *FakeClient) send(method string, from, to common.Address, value *big.Int, apply func()) *types.Transaction {
	f.txNonce++
	tx := types.NewTx(&types.LegacyTx{
		Nonce: f.txNonce,
		To:    &to,
		Value: cloneOrZero(value),
		Data:  []byte(method),
	})
	f.pending[tx.Hash()] = pendingTx{method: method, from: from, apply: apply}
	f.Calls = append(f.Calls, method)
	return tx
}

func (f *FakeClient) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[tx.Hash()]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", tx.Hash().Hex())
	}
	delete(f.pending, tx.Hash())
	f.Calls = append(f.Calls, "wait:"+p.method)

	receipt := &types.Receipt{TxHash: tx.Hash(), BlockNumber: big.NewInt(int64(f.txNonce))}
	if reason, ok := f.Reverts[p.method]; ok {
		receipt.Status = types.ReceiptStatusFailed
		return receipt, &RevertError{TxHash: tx.Hash(), Reason: reason}
	}
	p.apply()
	receipt.Status = types.ReceiptStatusSuccessful
	return receipt, nil
}

// CallLog returns a copy of the recorded writes.
func (f *FakeClient) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
