package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"escrowpresale/internal/acquisition"
	"escrowpresale/internal/catalog"
	"escrowpresale/internal/contracts"
	"escrowpresale/internal/pricing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

// nativeDecimals scales msg.value for buyWithNativeVoucher.
const nativeDecimals = 18

// Signer hands out fresh transact options for every write.
type Signer interface {
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

type Chain interface {
	PresaleAddress() common.Address
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, opts *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error)
	BuyWithNativeVoucher(ctx context.Context, opts *bind.TransactOpts, beneficiary common.Address, voucher contracts.Voucher, signature []byte, value *big.Int) (*types.Transaction, error)
	BuyWithTokenVoucher(ctx context.Context, opts *bind.TransactOpts, token common.Address, amount *big.Int, beneficiary common.Address, voucher contracts.Voucher, signature []byte) (*types.Transaction, error)
	ClaimTokens(ctx context.Context, opts *bind.TransactOpts) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, req acquisition.Request, hooks acquisition.Hooks) (acquisition.Grant, error)
}

// Refresher re-reads balances and supply once an attempt settles.
type Refresher interface {
	RefreshAfterSettlement(ctx context.Context)
}

// Recorder receives a copy of the attempt after every transition.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
}

type Config struct {
	Chain     Chain
	Vouchers  Acquirer
	Refresher Refresher
	Recorders []Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Machine runs purchase and claim attempts for one session. At most one
// purchase and one claim may be in flight, and never both at once.
type Machine struct {
	chain      Chain
	vouchers   Acquirer
	refresher  Refresher
	recorders  []Recorder
	presaleABI abi.ABI
	now        func() time.Time
	log        *slog.Logger

	// Live attempts. Their fields are only touched under mu.
	mu       sync.Mutex
	purchase *Attempt
	claim    *Attempt
	last     *Attempt
}

func New(cfg Config) (*Machine, error) {
	parsed, err := abi.JSON(strings.NewReader(contracts.PresaleABI))
	if err != nil {
		return nil, fmt.Errorf("parse presale abi: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		chain:      cfg.Chain,
		vouchers:   cfg.Vouchers,
		refresher:  cfg.Refresher,
		recorders:  cfg.Recorders,
		presaleABI: parsed,
		now:        now,
		log:        logger,
	}, nil
}

// SetRefresher installs the post-settlement hook. The session wires itself
// in after construction.
func (m *Machine) SetRefresher(r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresher = r
}

// Order is a buyer-approved purchase.
type Order struct {
	Wallet   Signer
	Currency pricing.ResolvedCurrency
	Amount   string
	// Beneficiary defaults to the wallet address.
	Beneficiary common.Address
	UserID      string
	// OnStart runs once the in-flight guard is taken, before any chain read.
	OnStart func()
}

type plan struct {
	order       Order
	required    *big.Int
	token       common.Address
	native      bool
	beneficiary common.Address
}

// Buy runs one purchase to a terminal phase. Precondition failures return a
// sentinel error and leave no trace; every later failure returns the failed
// attempt together with an *Error.
func (m *Machine) Buy(ctx context.Context, order Order) (Attempt, error) {
	p, err := m.prepare(order)
	if err != nil {
		return Attempt{}, err
	}

	r, err := m.begin(ActionPurchase, order.Wallet.Address(), func(a *Attempt) {
		a.Beneficiary = p.beneficiary.Hex()
		a.Currency = order.Currency.Symbol
		a.Amount = strings.TrimSpace(order.Amount)
		a.USDAmount = pricing.USDValue(order.Amount, order.Currency.PriceUSD)
		a.RequiredAmount = p.required.String()
	})
	if err != nil {
		return Attempt{}, err
	}
	defer m.release(r)
	if order.OnStart != nil {
		order.OnStart()
	}

	if err := m.runPurchase(ctx, r, p); err != nil {
		return m.fail(ctx, r, err)
	}
	return m.settle(ctx, r), nil
}

func (m *Machine) prepare(order Order) (plan, error) {
	if order.Wallet == nil {
		return plan{}, ErrWalletNotConnected
	}
	amount, ok := pricing.ParseAmount(order.Amount)
	if !ok || !amount.IsPositive() {
		return plan{}, ErrInvalidAmount
	}
	if !order.Currency.IsActive {
		return plan{}, ErrCurrencyInactive
	}
	if m.chain.PresaleAddress() == (common.Address{}) {
		return plan{}, &Error{Kind: KindConfig, Op: string(ActionPurchase), Reason: "presale contract not configured"}
	}

	native := order.Currency.IsNative || strings.EqualFold(order.Currency.Address, catalog.NativeAddress)
	decimals := order.Currency.Decimals
	if native {
		decimals = nativeDecimals
	}
	required, err := pricing.ToBaseUnits(amount, decimals)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	beneficiary := order.Beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = order.Wallet.Address()
	}
	return plan{
		order:       order,
		required:    required,
		token:       common.HexToAddress(order.Currency.Address),
		native:      native,
		beneficiary: beneficiary,
	}, nil
}

func (m *Machine) runPurchase(ctx context.Context, r *Attempt, p plan) error {
	buyer := p.order.Wallet.Address()

	m.advance(ctx, r, FetchingNonce)
	usd := m.snapshot(r).USDAmount
	var requested *Attempt
	grant, err := m.vouchers.Acquire(ctx, acquisition.Request{
		Buyer:        buyer,
		Beneficiary:  p.beneficiary,
		PaymentToken: p.token,
		USDAmount:    usd,
		UserID:       p.order.UserID,
		Decimals:     p.order.Currency.Decimals,
	}, acquisition.Hooks{
		// Runs between the nonce read and the voucher request, so it only
		// touches memory. Recorders see the phase once Acquire returns.
		NonceRead: func(nonce *big.Int) {
			m.update(r, func(a *Attempt) { a.Nonce = nonce.String() })
			if m.snapshot(r).Phase != FetchingNonce {
				return
			}
			if snap, ok := m.transition(r, RequestingVoucher); ok {
				requested = &snap
			}
		},
	})
	if requested != nil {
		m.record(ctx, *requested)
	}
	if err != nil {
		return err
	}

	if !p.native {
		m.advance(ctx, r, Approving)
		if err := m.ensureAllowance(ctx, r, p); err != nil {
			return err
		}
	}

	m.advance(ctx, r, Submitting)
	opts, err := p.order.Wallet.TransactOpts(ctx)
	if err != nil {
		return err
	}
	var tx *types.Transaction
	if p.native {
		tx, err = m.chain.BuyWithNativeVoucher(ctx, opts, p.beneficiary, grant.Voucher, grant.Signature, p.required)
	} else {
		tx, err = m.chain.BuyWithTokenVoucher(ctx, opts, p.token, p.required, p.beneficiary, grant.Voucher, grant.Signature)
	}
	if err != nil {
		return err
	}
	m.update(r, func(a *Attempt) { a.TxHash = tx.Hash().Hex() })

	m.advance(ctx, r, Confirming)
	_, err = m.chain.WaitMined(ctx, tx)
	return err
}

// ensureAllowance approves exactly the required amount when the current
// allowance falls short, and waits for that approval to be mined.
func (m *Machine) ensureAllowance(ctx context.Context, r *Attempt, p plan) error {
	buyer := p.order.Wallet.Address()
	spender := m.chain.PresaleAddress()

	allowance, err := m.chain.Allowance(ctx, p.token, buyer, spender)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(p.required) >= 0 {
		m.log.Debug("allowance sufficient", "attempt", r.ID, "allowance", allowance, "required", p.required)
		return nil
	}

	opts, err := p.order.Wallet.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := m.chain.Approve(ctx, opts, p.token, spender, p.required)
	if err != nil {
		return err
	}
	m.update(r, func(a *Attempt) { a.ApprovalTx = tx.Hash().Hex() })
	m.record(ctx, m.snapshot(r))
	if _, err := m.chain.WaitMined(ctx, tx); err != nil {
		return fmt.Errorf("approval: %w", err)
	}
	m.log.Info("approval confirmed", "attempt", r.ID, "tx", tx.Hash().Hex())
	return nil
}

// ClaimRequest carries the canClaim flag from the latest supply read.
type ClaimRequest struct {
	Wallet   Signer
	CanClaim bool
}

func (m *Machine) Claim(ctx context.Context, req ClaimRequest) (Attempt, error) {
	if req.Wallet == nil {
		return Attempt{}, ErrWalletNotConnected
	}
	if !req.CanClaim {
		return Attempt{}, ErrClaimUnavailable
	}
	if m.chain.PresaleAddress() == (common.Address{}) {
		return Attempt{}, &Error{Kind: KindConfig, Op: string(ActionClaim), Reason: "presale contract not configured"}
	}

	r, err := m.begin(ActionClaim, req.Wallet.Address(), nil)
	if err != nil {
		return Attempt{}, err
	}
	defer m.release(r)

	if err := m.runClaim(ctx, r, req.Wallet); err != nil {
		return m.fail(ctx, r, err)
	}
	return m.settle(ctx, r), nil
}

func (m *Machine) runClaim(ctx context.Context, r *Attempt, signer Signer) error {
	m.advance(ctx, r, Submitting)
	opts, err := signer.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := m.chain.ClaimTokens(ctx, opts)
	if err != nil {
		return err
	}
	m.update(r, func(a *Attempt) { a.TxHash = tx.Hash().Hex() })

	m.advance(ctx, r, Confirming)
	_, err = m.chain.WaitMined(ctx, tx)
	return err
}

// InFlight reports whether a purchase or claim is currently running.
func (m *Machine) InFlight() (purchase, claim bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purchase != nil, m.claim != nil
}

// Current returns the running attempt, or the most recent finished one.
func (m *Machine) Current() (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.purchase != nil:
		return *m.purchase, true
	case m.claim != nil:
		return *m.claim, true
	case m.last != nil:
		return *m.last, true
	}
	return Attempt{}, false
}

// begin claims the guard for action. Purchase and claim exclude each other.
func (m *Machine) begin(action Action, buyer common.Address, init func(a *Attempt)) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purchase != nil {
		return nil, ErrPurchaseInFlight
	}
	if m.claim != nil {
		return nil, ErrClaimInFlight
	}

	now := m.now().UTC()
	r := &Attempt{
		ID:        uuid.New(),
		Action:    action,
		Phase:     Idle,
		Buyer:     buyer.Hex(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if init != nil {
		init(r)
	}
	if action == ActionClaim {
		m.claim = r
	} else {
		m.purchase = r
	}
	return r, nil
}

// release frees the guard whatever phase the attempt ended in.
func (m *Machine) release(r *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.purchase == r {
		m.purchase = nil
	}
	if m.claim == r {
		m.claim = nil
	}
	m.last = r
}

func (m *Machine) update(r *Attempt, fn func(a *Attempt)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(r)
	r.UpdatedAt = m.now().UTC()
}

func (m *Machine) snapshot(r *Attempt) Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *r
}

func (m *Machine) advance(ctx context.Context, r *Attempt, to Phase) {
	if snap, ok := m.transition(r, to); ok {
		m.record(ctx, snap)
	}
}

// transition moves r to phase to in memory only and returns the new state.
func (m *Machine) transition(r *Attempt, to Phase) (Attempt, bool) {
	m.mu.Lock()
	from := r.Phase
	if !ValidTransition(r.Action, from, to) {
		m.mu.Unlock()
		m.log.Error("invalid attempt transition", "attempt", r.ID, "from", from, "to", to)
		return Attempt{}, false
	}
	r.Phase = to
	r.UpdatedAt = m.now().UTC()
	snap := *r
	m.mu.Unlock()

	m.log.Info("attempt phase", "attempt", snap.ID, "action", snap.Action, "phase", to)
	return snap, true
}

func (m *Machine) fail(ctx context.Context, r *Attempt, err error) (Attempt, error) {
	m.mu.Lock()
	failure := classify(r.Phase, err, m.presaleABI)
	r.FailureKind = failure.Kind
	r.Failure = failure.Reason
	m.mu.Unlock()

	m.advance(ctx, r, Failed)
	m.log.Warn("attempt failed", "attempt", r.ID, "kind", failure.Kind, "reason", failure.Reason, "err", err)
	return m.snapshot(r), failure
}

func (m *Machine) settle(ctx context.Context, r *Attempt) Attempt {
	m.advance(ctx, r, Settled)

	m.mu.Lock()
	refresher := m.refresher
	m.mu.Unlock()
	if refresher != nil {
		refresher.RefreshAfterSettlement(ctx)
	}
	return m.snapshot(r)
}

// record fans the attempt out to every recorder. Ledger failures never abort
// an attempt that may already be on chain.
func (m *Machine) record(ctx context.Context, a Attempt) {
	for _, rec := range m.recorders {
		if err := rec.Record(ctx, a); err != nil {
			m.log.Warn("record attempt", "attempt", a.ID, "phase", a.Phase, "err", err)
		}
	}
}
