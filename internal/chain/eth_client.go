package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"escrowpresale/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
)

const codeCacheSize = 128

// EthClient performs every presale, authorizer and ERC-20 call over one RPC
// connection. Bindings are stateless and safe for concurrent use; signing
// options are supplied per write.
type EthClient struct {
	client     *ethclient.Client
	presaleABI abi.ABI
	erc20ABI   abi.ABI
	presale    *bind.BoundContract
	authorizer *bind.BoundContract
	presaleAt  common.Address
	codeCache  *lru.Cache[common.Address, bool]
	pollEvery  time.Duration
	log        *slog.Logger

	wantChainID int64
	chainOK     atomic.Bool
}

type EthClientConfig struct {
	RPCURL            string
	ChainID           int64
	PresaleAddress    string
	AuthorizerAddress string
	ReceiptPoll       time.Duration
	Logger            *slog.Logger
}

// NewEthClient dials the node. Empty contract addresses leave the matching
// binding unset so calls against it return ErrNotConfigured. An unreachable
// node or a chain id mismatch is logged, not fatal; Ping keeps reporting it
// until the node answers with the configured chain id.
func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := newEthClient(cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	if err := c.checkChainID(ctx); err != nil {
		c.log.Warn("chain id not verified; reads degrade until the node answers", "rpc", cfg.RPCURL, "err", err)
	}
	return c, nil
}

func newEthClient(cli *ethclient.Client, cfg EthClientConfig) (*EthClient, error) {
	presaleABI, err := abi.JSON(strings.NewReader(contracts.PresaleABI))
	if err != nil {
		return nil, fmt.Errorf("parse presale abi: %w", err)
	}
	authorizerABI, err := abi.JSON(strings.NewReader(contracts.AuthorizerABI))
	if err != nil {
		return nil, fmt.Errorf("parse authorizer abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	cache, err := lru.New[common.Address, bool](codeCacheSize)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	c := &EthClient{
		client:     cli,
		presaleABI: presaleABI,
		erc20ABI:   erc20ABI,
		codeCache:  cache,
		pollEvery:  poll,
		log:        logger,

		wantChainID: cfg.ChainID,
	}
	if common.IsHexAddress(cfg.PresaleAddress) {
		c.presaleAt = common.HexToAddress(cfg.PresaleAddress)
		c.presale = bind.NewBoundContract(c.presaleAt, presaleABI, cli, cli, cli)
	}
	if common.IsHexAddress(cfg.AuthorizerAddress) {
		addr := common.HexToAddress(cfg.AuthorizerAddress)
		c.authorizer = bind.NewBoundContract(addr, authorizerABI, cli, cli, cli)
	}
	return c, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	if err := c.checkChainID(ctx); err != nil {
		return err
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

// checkChainID asks the node once for its chain id. A zero configured id
// accepts any node.
func (c *EthClient) checkChainID(ctx context.Context) error {
	if c.wantChainID == 0 || c.chainOK.Load() {
		return nil
	}
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("fetch chain id: %w", err)
	}
	if id.Int64() != c.wantChainID {
		return fmt.Errorf("%w: node reports %s, configured %d", ErrChainMismatch, id, c.wantChainID)
	}
	c.chainOK.Store(true)
	return nil
}

// PresaleAddress is the spender for ERC-20 approvals.
func (c *EthClient) PresaleAddress() common.Address {
	return c.presaleAt
}

func (c *EthClient) TokenPrice(ctx context.Context, token common.Address) (TokenPrice, error) {
	if c.presale == nil {
		return TokenPrice{}, ErrNotConfigured
	}
	var out []interface{}
	if err := c.presale.Call(&bind.CallOpts{Context: ctx}, &out, "getTokenPrice", token); err != nil {
		return TokenPrice{}, fmt.Errorf("getTokenPrice %s: %w", token.Hex(), err)
	}
	if len(out) != 3 {
		return TokenPrice{}, fmt.Errorf("getTokenPrice %s: unexpected output length %d", token.Hex(), len(out))
	}
	return TokenPrice{
		PriceUSD: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		IsActive: *abi.ConvertType(out[1], new(bool)).(*bool),
		Decimals: *abi.ConvertType(out[2], new(uint8)).(*uint8),
	}, nil
}

func (c *EthClient) Nonce(ctx context.Context, buyer common.Address) (*big.Int, error) {
	if c.authorizer == nil {
		return nil, ErrNotConfigured
	}
	return callUint(ctx, c.authorizer, "nonces", buyer)
}

func (c *EthClient) TotalPurchased(ctx context.Context, user common.Address) (*big.Int, error) {
	if c.presale == nil {
		return nil, ErrNotConfigured
	}
	return callUint(ctx, c.presale, "totalPurchased", user)
}

func (c *EthClient) SupplyStats(ctx context.Context) (Supply, error) {
	if c.presale == nil {
		return Supply{}, ErrNotConfigured
	}
	maxTokens, err := callUint(ctx, c.presale, "maxTokensToMint")
	if err != nil {
		return Supply{}, err
	}
	minted, err := callUint(ctx, c.presale, "totalTokensMinted")
	if err != nil {
		return Supply{}, err
	}
	var out []interface{}
	if err := c.presale.Call(&bind.CallOpts{Context: ctx}, &out, "canClaim"); err != nil {
		return Supply{}, fmt.Errorf("canClaim: %w", err)
	}
	rate, err := callUint(ctx, c.presale, "presaleRate")
	if err != nil {
		return Supply{}, err
	}
	return Supply{
		MaxTokens:   maxTokens,
		Minted:      minted,
		CanClaim:    *abi.ConvertType(out[0], new(bool)).(*bool),
		PresaleRate: rate,
	}, nil
}

func (c *EthClient) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", account.Hex(), err)
	}
	return bal, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if err := c.requireCode(ctx, token); err != nil {
		return nil, err
	}
	return callUint(ctx, c.token(token), "balanceOf", account)
}

func (c *EthClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return callUint(ctx, c.token(token), "allowance", owner, spender)
}

func (c *EthClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	var out []interface{}
	if err := c.token(token).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals %s: %w", token.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *EthClient) Approve(ctx context.Context, opts *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	tx, err := c.token(token).Transact(withContext(ctx, opts), "approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("approve tx: %w", err)
	}
	return tx, nil
}

func (c *EthClient) BuyWithNativeVoucher(ctx context.Context, opts *bind.TransactOpts, beneficiary common.Address, voucher contracts.Voucher, signature []byte, value *big.Int) (*types.Transaction, error) {
	if c.presale == nil {
		return nil, ErrNotConfigured
	}
	o := withContext(ctx, opts)
	o.Value = value
	tx, err := c.presale.Transact(o, "buyWithNativeVoucher", beneficiary, voucher, signature)
	if err != nil {
		return nil, fmt.Errorf("buyWithNativeVoucher tx: %w", err)
	}
	return tx, nil
}

func (c *EthClient) BuyWithTokenVoucher(ctx context.Context, opts *bind.TransactOpts, token common.Address, amount *big.Int, beneficiary common.Address, voucher contracts.Voucher, signature []byte) (*types.Transaction, error) {
	if c.presale == nil {
		return nil, ErrNotConfigured
	}
	tx, err := c.presale.Transact(withContext(ctx, opts), "buyWithTokenVoucher", token, amount, beneficiary, voucher, signature)
	if err != nil {
		return nil, fmt.Errorf("buyWithTokenVoucher tx: %w", err)
	}
	return tx, nil
}

func (c *EthClient) ClaimTokens(ctx context.Context, opts *bind.TransactOpts) (*types.Transaction, error) {
	if c.presale == nil {
		return nil, ErrNotConfigured
	}
	tx, err := c.presale.Transact(withContext(ctx, opts), "claimTokens")
	if err != nil {
		return nil, fmt.Errorf("claimTokens tx: %w", err)
	}
	return tx, nil
}

// WaitMined blocks until the receipt is available. A failed receipt is
// returned together with a *RevertError carrying the replayed revert reason.
func (c *EthClient) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := WaitForReceipt(ctx, c.client, tx, c.pollEvery)
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return receipt, nil
	}
	return receipt, &RevertError{TxHash: tx.Hash(), Reason: c.replayRevert(ctx, tx, receipt)}
}

func (c *EthClient) replayRevert(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = c.client.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	reason := RevertReason(err, c.presaleABI)
	c.log.Debug("replayed reverted transaction", "tx", tx.Hash().Hex(), "reason", reason)
	return reason
}

func (c *EthClient) token(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.erc20ABI, c.client, c.client, c.client)
}

func (c *EthClient) requireCode(ctx context.Context, addr common.Address) error {
	if ok, hit := c.codeCache.Get(addr); hit && ok {
		return nil
	}
	code, err := c.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContractCode, addr.Hex())
	}
	c.codeCache.Add(addr, true)
	return nil
}

func callUint(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty output", method)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func withContext(ctx context.Context, opts *bind.TransactOpts) *bind.TransactOpts {
	o := *opts
	o.Context = ctx
	return &o
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client ethereum.TransactionReader, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
