package presale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"escrowpresale/internal/backend"
	"escrowpresale/internal/catalog"
	"escrowpresale/internal/poller"
	"escrowpresale/internal/pricing"
	"escrowpresale/internal/purchase"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrVerificationRequired = errors.New("identity verification required before purchasing")

// Verifier is the identity side of the authorization backend.
type Verifier interface {
	StartVerification(ctx context.Context, req backend.VerificationRequest) error
	VerificationStatus(ctx context.Context, userID string) (backend.Verification, error)
}

type Config struct {
	Catalog  *catalog.Catalog
	Resolver *pricing.Resolver
	Poller   *poller.Poller
	Machine  *purchase.Machine
	Verifier Verifier
	// RequireVerification gates purchases on a verified identity.
	RequireVerification bool
	Logger              *slog.Logger
}

// Session is the explicit state of one buyer session: currency metadata,
// selection, wallet connection and verification. Purchases and claims are
// delegated to the machine, reads to the poller.
type Session struct {
	cat                 *catalog.Catalog
	resolver            *pricing.Resolver
	poller              *poller.Poller
	machine             *purchase.Machine
	verifier            Verifier
	requireVerification bool
	log                 *slog.Logger

	mu         sync.Mutex
	currencies []pricing.ResolvedCurrency
	selected   string
	wallet     purchase.Signer
	userID     string
	verified   backend.Verification
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cat:                 cfg.Catalog,
		resolver:            cfg.Resolver,
		poller:              cfg.Poller,
		machine:             cfg.Machine,
		verifier:            cfg.Verifier,
		requireVerification: cfg.RequireVerification,
		log:                 logger,
		verified:            backend.Verification{Status: "unknown"},
	}
	s.currencies = pricing.Resolve(cfg.Catalog, pricing.Fallback(cfg.Catalog, "not loaded"))
	s.selected, _ = pricing.ReconcileSelection(s.currencies, "")
	cfg.Machine.SetRefresher(s)
	return s
}

// Init loads prices and supply figures. Failures degrade to fallback data
// and are returned only as warnings.
func (s *Session) Init(ctx context.Context) error {
	_, priceErr := s.RefreshPrices(ctx)
	supplyErr := s.poller.RefreshSupply(ctx)
	return errors.Join(priceErr, supplyErr)
}

// RefreshPrices runs the resolver and re-derives the selection. The returned
// error lists per-currency read failures; the list itself is always complete.
func (s *Session) RefreshPrices(ctx context.Context) ([]pricing.ResolvedCurrency, error) {
	meta, warnings := s.resolver.Refresh(ctx)
	list := pricing.Resolve(s.cat, meta)

	s.mu.Lock()
	previous := s.selected
	s.currencies = list
	next, ok := pricing.ReconcileSelection(list, previous)
	if !ok {
		next = ""
	}
	s.selected = next
	selected, _ := pricing.Find(list, next)
	s.mu.Unlock()

	if next != previous {
		s.log.Info("selection reassigned", "from", previous, "to", next)
	}
	if ok {
		s.poller.SetCurrency(selected)
	}
	return list, warnings
}

// Currencies returns the resolved list and the selected symbol, which is
// empty when no currency is active.
func (s *Session) Currencies() ([]pricing.ResolvedCurrency, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pricing.ResolvedCurrency, len(s.currencies))
	copy(out, s.currencies)
	return out, s.selected
}

func (s *Session) Select(ctx context.Context, symbol string) (pricing.ResolvedCurrency, error) {
	s.mu.Lock()
	c, ok := pricing.Find(s.currencies, symbol)
	if !ok {
		s.mu.Unlock()
		return pricing.ResolvedCurrency{}, fmt.Errorf("%w: %s", catalog.ErrUnknownCurrency, symbol)
	}
	if !c.IsActive {
		s.mu.Unlock()
		return pricing.ResolvedCurrency{}, purchase.ErrCurrencyInactive
	}
	s.selected = symbol
	s.mu.Unlock()

	s.poller.SetCurrency(c)
	if err := s.poller.RefreshBalances(ctx); err != nil {
		s.log.Warn("balance refresh after selection", "currency", symbol, "err", err)
	}
	return c, nil
}

// Quote previews amount in symbol, or in the selected currency when symbol
// is empty. Degenerate amounts quote zero.
func (s *Session) Quote(amount, symbol string) (pricing.Intent, error) {
	s.mu.Lock()
	if symbol == "" {
		symbol = s.selected
	}
	c, ok := pricing.Find(s.currencies, symbol)
	s.mu.Unlock()
	if !ok {
		return pricing.Intent{}, fmt.Errorf("%w: %q", catalog.ErrUnknownCurrency, symbol)
	}
	unit := s.poller.Snapshot().UnitPrice.Value
	return pricing.NewIntent(amount, c, unit), nil
}

// Connect binds a wallet to the session and starts balance polling. A
// previous connection is torn down first.
func (s *Session) Connect(ctx context.Context, w purchase.Signer, userID string) error {
	if w == nil {
		return purchase.ErrWalletNotConnected
	}
	if userID == "" {
		userID = w.Address().Hex()
	}

	s.mu.Lock()
	s.wallet = w
	s.userID = userID
	s.verified = backend.Verification{Status: "unknown"}
	selected, _ := pricing.Find(s.currencies, s.selected)
	s.mu.Unlock()

	s.poller.Start(ctx, poller.Target{Account: w.Address(), Currency: selected})
	s.log.Info("wallet connected", "account", w.Address().Hex())
	return nil
}

func (s *Session) Disconnect() {
	s.poller.Stop()

	s.mu.Lock()
	account := common.Address{}
	if s.wallet != nil {
		account = s.wallet.Address()
	}
	s.wallet = nil
	s.userID = ""
	s.verified = backend.Verification{Status: "unknown"}
	s.mu.Unlock()

	if account != (common.Address{}) {
		s.log.Info("wallet disconnected", "account", account.Hex())
	}
}

// Account returns the connected address.
func (s *Session) Account() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil {
		return common.Address{}, false
	}
	return s.wallet.Address(), true
}

func (s *Session) Balances() poller.Snapshot {
	return s.poller.Snapshot()
}

// Buy purchases amount of symbol, or of the selected currency when symbol is
// empty. A zero beneficiary means the connected wallet. A named currency
// becomes the selection only once the purchase has actually started, so a
// rejected request leaves the selection and the polled balance untouched.
func (s *Session) Buy(ctx context.Context, amount, symbol string, beneficiary common.Address) (purchase.Attempt, error) {
	s.mu.Lock()
	w, userID := s.wallet, s.userID
	named := symbol != ""
	if !named {
		symbol = s.selected
	}
	c, ok := pricing.Find(s.currencies, symbol)
	switching := named && symbol != s.selected
	verified := s.verified.Verified
	s.mu.Unlock()

	if named && !ok {
		return purchase.Attempt{}, fmt.Errorf("%w: %q", catalog.ErrUnknownCurrency, symbol)
	}
	if w != nil && s.requireVerification && !verified {
		return purchase.Attempt{}, ErrVerificationRequired
	}

	order := purchase.Order{
		Wallet:      w,
		Currency:    c,
		Amount:      amount,
		Beneficiary: beneficiary,
		UserID:      userID,
	}
	if switching {
		order.OnStart = func() { s.commitSelection(c) }
	}
	a, err := s.machine.Buy(ctx, order)
	if switching && err != nil && a.ID != uuid.Nil {
		if rerr := s.poller.RefreshBalances(ctx); rerr != nil {
			s.log.Warn("balance refresh after failed purchase", "currency", c.Symbol, "err", rerr)
		}
	}
	return a, err
}

func (s *Session) commitSelection(c pricing.ResolvedCurrency) {
	s.mu.Lock()
	previous := s.selected
	s.selected = c.Symbol
	s.mu.Unlock()

	s.poller.SetCurrency(c)
	s.log.Info("selection changed by purchase", "from", previous, "to", c.Symbol)
}

// Claim is gated on the canClaim flag of the latest supply read.
func (s *Session) Claim(ctx context.Context) (purchase.Attempt, error) {
	s.mu.Lock()
	w := s.wallet
	s.mu.Unlock()

	return s.machine.Claim(ctx, purchase.ClaimRequest{
		Wallet:   w,
		CanClaim: s.poller.Snapshot().CanClaim.Value,
	})
}

// RefreshAfterSettlement re-reads prices and the polled chain figures once,
// outside the polling interval.
func (s *Session) RefreshAfterSettlement(ctx context.Context) {
	if _, err := s.RefreshPrices(ctx); err != nil {
		s.log.Warn("post-settlement price refresh", "err", err)
	}
	if err := s.poller.RefreshBalances(ctx); err != nil {
		s.log.Warn("post-settlement balance refresh", "err", err)
	}
	if err := s.poller.RefreshSupply(ctx); err != nil {
		s.log.Warn("post-settlement supply refresh", "err", err)
	}
}

func (s *Session) StartVerification(ctx context.Context, email, phone, country string) error {
	s.mu.Lock()
	userID, connected := s.userID, s.wallet != nil
	s.mu.Unlock()
	if !connected {
		return purchase.ErrWalletNotConnected
	}
	return s.verifier.StartVerification(ctx, backend.VerificationRequest{
		UserID:  userID,
		Email:   email,
		Phone:   phone,
		Country: country,
	})
}

// VerificationStatus asks the backend and remembers the answer for the
// connected user.
func (s *Session) VerificationStatus(ctx context.Context) (backend.Verification, error) {
	s.mu.Lock()
	userID, connected := s.userID, s.wallet != nil
	s.mu.Unlock()
	if !connected {
		return backend.Verification{}, purchase.ErrWalletNotConnected
	}

	v, err := s.verifier.VerificationStatus(ctx, userID)
	if err != nil {
		return backend.Verification{}, err
	}
	s.mu.Lock()
	if s.userID == userID {
		s.verified = v
	}
	s.mu.Unlock()
	return v, nil
}

// InFlight reports the machine's guards.
func (s *Session) InFlight() (buying, claiming bool) {
	return s.machine.InFlight()
}

func (s *Session) LastAttempt() (purchase.Attempt, bool) {
	return s.machine.Current()
}
