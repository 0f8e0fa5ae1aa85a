package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowpresale/internal/acquisition"
	"escrowpresale/internal/backend"
	"escrowpresale/internal/catalog"
	"escrowpresale/internal/chain"
	"escrowpresale/internal/config"
	"escrowpresale/internal/idempotency"
	"escrowpresale/internal/ledger"
	"escrowpresale/internal/poller"
	"escrowpresale/internal/presale"
	"escrowpresale/internal/pricing"
	"escrowpresale/internal/purchase"
	"escrowpresale/internal/server"
	"escrowpresale/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presaleAddr := cfg.Chain.PresaleAddress
	if config.IsPlaceholder(presaleAddr) {
		logger.Warn("presale contract address not configured; prices use fallbacks and purchases fail with a config error", "address", presaleAddr)
		presaleAddr = ""
	}
	authorizerAddr := cfg.Chain.AuthorizerAddress
	if config.IsPlaceholder(authorizerAddr) {
		authorizerAddr = ""
	}

	rpcURL := cfg.Chain.RPCURL
	if rpcURL == "" {
		rpcURL = config.Defaults().Chain.RPCURL
		logger.Warn("rpc url not configured; using the local default", "rpc", rpcURL)
	}

	ethClient, err := chain.NewEthClient(ctx, chain.EthClientConfig{
		RPCURL:            rpcURL,
		ChainID:           cfg.Chain.ChainID,
		PresaleAddress:    presaleAddr,
		AuthorizerAddress: authorizerAddr,
		Logger:            logger,
	})
	if err != nil {
		fatal(logger, "chain client error", err)
	}
	defer ethClient.Close()

	var signer purchase.Signer
	if cfg.Chain.PrivateKey != "" {
		keyed, err := wallet.NewKeyed(cfg.Chain.PrivateKey, cfg.Chain.ChainID)
		if err != nil {
			fatal(logger, "wallet error", err)
		}
		signer = keyed
	}

	attempts, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		fatal(logger, "ledger error", err)
	}
	defer closeLedger()

	idemStore, closeIdem, err := openIdempotency(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "idempotency store error", err)
	}
	defer closeIdem()

	fallbackPrice, _ := cfg.Presale.FallbackPrice()
	metrics := server.NewMetrics()
	cat := catalog.Default()

	client := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Secret:  cfg.Backend.HMACSecret,
		Logger:  logger,
	})

	balances := poller.New(ethClient, poller.Config{
		Interval:      cfg.Presale.PollInterval,
		ReadTimeout:   cfg.Chain.RPCTimeout,
		FallbackPrice: fallbackPrice,
		Observe:       metrics.ObservePoll,
		Logger:        logger,
	})

	machine, err := purchase.New(purchase.Config{
		Chain:     ethClient,
		Vouchers:  acquisition.New(ethClient, client, cfg.Presale.NonceMaxTries, logger),
		Recorders: []purchase.Recorder{attempts, metrics},
		Logger:    logger,
	})
	if err != nil {
		fatal(logger, "purchase machine error", err)
	}

	session := presale.New(presale.Config{
		Catalog:             cat,
		Resolver:            pricing.NewResolver(cat, ethClient, presaleAddr != "", logger),
		Poller:              balances,
		Machine:             machine,
		Verifier:            client,
		RequireVerification: cfg.Presale.RequireVerification,
		Logger:              logger,
	})
	defer session.Disconnect()

	initCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	if err := session.Init(initCtx); err != nil {
		logger.Warn("started with fallback data", "err", err)
	}
	cancel()
	list, _ := session.Currencies()
	metrics.ObserveCurrencies(list)

	if signer != nil {
		if err := session.Connect(ctx, signer, ""); err != nil {
			fatal(logger, "connect wallet", err)
		}
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Session:     session,
		Wallet:      signer,
		Ledger:      attempts,
		Idempotency: idemStore,
		Metrics:     metrics,
		RPCHealth:   ethClient.Ping,
		Logger:      logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}

func openLedger(ctx context.Context, cfg *config.AppConfig) (ledger.Store, func(), error) {
	if cfg.Service.PostgresDSN != "" {
		store, err := ledger.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := ledger.NewFileStore(cfg.Service.LedgerPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (idempotency.Store, func(), error) {
	var (
		store   idempotency.Store
		closeFn = func() {}
	)
	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store, closeFn = pg, pg.Close
	} else {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		store = fs
	}

	if purger, ok := store.(idempotency.Purger); ok {
		if n, err := purger.Purge(ctx); err != nil {
			logger.Warn("purge expired idempotency keys", "err", err)
		} else if n > 0 {
			logger.Info("purged expired idempotency keys", "count", n)
		}
	}
	return store, closeFn, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
