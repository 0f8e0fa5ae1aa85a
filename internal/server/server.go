package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowpresale/internal/backend"
	"escrowpresale/internal/catalog"
	"escrowpresale/internal/config"
	"escrowpresale/internal/hmacauth"
	"escrowpresale/internal/idempotency"
	"escrowpresale/internal/ledger"
	"escrowpresale/internal/presale"
	"escrowpresale/internal/pricing"
	"escrowpresale/internal/purchase"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var errNoWallet = errors.New("no signing wallet configured")

// Deps are the collaborators the API exposes.
type Deps struct {
	Session *presale.Session
	// Wallet is the signer bound on connect; nil when no key is configured.
	Wallet      purchase.Signer
	Ledger      ledger.Store
	Idempotency idempotency.Store
	Metrics     *Metrics
	RPCHealth   func(context.Context) error
	Logger      *slog.Logger
}

type Server struct {
	cfg         *config.AppConfig
	session     *presale.Session
	wallet      purchase.Signer
	ledger      ledger.Store
	hmac        *hmacauth.Verifier
	idem        *idempotency.Guard
	httpServer  *http.Server
	metrics     *Metrics
	log         *slog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:     cfg,
		session: deps.Session,
		wallet:  deps.Wallet,
		ledger:  deps.Ledger,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		idem: &idempotency.Guard{
			Store:    deps.Idempotency,
			Window:   cfg.Service.IdempotencyWindow,
			Logger:   logger,
			OnReplay: metrics.IncReplay,
		},
		metrics:     metrics,
		log:         logger,
		rpcHealthFn: deps.RPCHealth,
	}
	if deps.Ledger != nil {
		s.dbHealthFn = deps.Ledger.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/currencies", s.handleCurrencies)
		r.Post("/currencies/refresh", s.handleRefreshCurrencies)
		r.Put("/selection", s.handleSelect)
		r.Get("/quote", s.handleQuote)

		r.Post("/session/connect", s.handleConnect)
		r.Post("/session/disconnect", s.handleDisconnect)
		r.Get("/balances", s.handleBalances)

		r.With(s.hmac.Middleware, s.idem.Middleware).Post("/purchases", s.handlePurchase)
		r.Get("/purchases", s.handleListPurchases)
		r.Get("/purchases/{id}", s.handleGetPurchase)
		r.With(s.hmac.Middleware).Post("/claims", s.handleClaim)

		r.Post("/verification", s.handleStartVerification)
		r.Get("/verification", s.handleVerificationStatus)

		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type currenciesResponse struct {
	Currencies []pricing.ResolvedCurrency `json:"currencies"`
	Selected   string                     `json:"selected"`
	Warnings   []string                   `json:"warnings,omitempty"`
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	list, selected := s.session.Currencies()
	writeJSON(w, http.StatusOK, currenciesResponse{Currencies: list, Selected: selected})
}

func (s *Server) handleRefreshCurrencies(w http.ResponseWriter, r *http.Request) {
	list, err := s.session.RefreshPrices(r.Context())
	s.metrics.ObserveCurrencies(list)

	_, selected := s.session.Currencies()
	resp := currenciesResponse{Currencies: list, Selected: selected}
	if err != nil {
		resp.Warnings = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

type selectRequest struct {
	Currency string `json:"currency"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.session.Select(r.Context(), req.Currency)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	intent, err := s.session.Quote(q.Get("amount"), q.Get("currency"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type connectRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.wallet == nil {
		s.writeError(w, errNoWallet)
		return
	}
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.session.Connect(r.Context(), s.wallet, req.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Balances())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.session.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Balances())
}

type purchaseRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
}

type attemptResponse struct {
	Attempt purchase.Attempt `json:"attempt"`
	Error   *errorBody       `json:"error,omitempty"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var beneficiary common.Address
	if req.Beneficiary != "" {
		if !common.IsHexAddress(req.Beneficiary) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "beneficiary is not an address"})
			return
		}
		beneficiary = common.HexToAddress(req.Beneficiary)
	}

	// A dropped client must not abandon a submitted transaction.
	ctx := context.WithoutCancel(r.Context())

	attempt, err := s.session.Buy(ctx, req.Amount, strings.ToUpper(req.Currency), beneficiary)
	s.writeAttempt(w, purchase.ActionPurchase, attempt, err)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.session.Claim(context.WithoutCancel(r.Context()))
	s.writeAttempt(w, purchase.ActionClaim, attempt, err)
}

func (s *Server) writeAttempt(w http.ResponseWriter, action purchase.Action, attempt purchase.Attempt, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, attemptResponse{Attempt: attempt})
		return
	}
	var failed *purchase.Error
	if errors.As(err, &failed) {
		writeJSON(w, http.StatusUnprocessableEntity, attemptResponse{
			Attempt: attempt,
			Error:   &errorBody{Error: failed.Reason, Kind: string(failed.Kind)},
		})
		return
	}
	s.metrics.incRejected(action)
	s.writeError(w, err)
}

func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.ledger.List(r.Context(), r.URL.Query().Get("buyer"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid attempt id"})
		return
	}
	a, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "attempt not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type verificationRequest struct {
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Country string `json:"country"`
}

func (s *Server) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "email is required"})
		return
	}
	if err := s.session.StartVerification(r.Context(), req.Email, req.Phone, req.Country); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.session.VerificationStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	account, connected := s.session.Account()
	buying, claiming := s.session.InFlight()
	sessionInfo := struct {
		Connected bool   `json:"connected"`
		Account   string `json:"account,omitempty"`
		Buying    bool   `json:"buying"`
		Claiming  bool   `json:"claiming"`
	}{Connected: connected, Buying: buying, Claiming: claiming}
	if connected {
		sessionInfo.Account = account.Hex()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string      `json:"status"`
		RPC     interface{} `json:"rpc"`
		Ledger  interface{} `json:"ledger"`
		Session interface{} `json:"session"`
	}{
		Status:  status,
		RPC:     rpcInfo,
		Ledger:  dbInfo,
		Session: sessionInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps session and precondition errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, purchase.ErrInvalidAmount),
		errors.Is(err, purchase.ErrCurrencyInactive):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrUnknownCurrency):
		return http.StatusNotFound
	case errors.Is(err, presale.ErrVerificationRequired):
		return http.StatusForbidden
	case errors.Is(err, purchase.ErrWalletNotConnected),
		errors.Is(err, purchase.ErrPurchaseInFlight),
		errors.Is(err, purchase.ErrClaimInFlight),
		errors.Is(err, purchase.ErrClaimUnavailable),
		errors.Is(err, errNoWallet):
		return http.StatusConflict
	case errors.Is(err, backend.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		msg = reqErr.Message
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json payload"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
