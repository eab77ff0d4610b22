package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumia1998/AnuNeko/internal/backend"
	"github.com/lumia1998/AnuNeko/internal/catalog"
	"github.com/lumia1998/AnuNeko/internal/config"
	"github.com/lumia1998/AnuNeko/internal/core"
	"github.com/lumia1998/AnuNeko/internal/health"
	"github.com/lumia1998/AnuNeko/internal/httpserver"
	"github.com/lumia1998/AnuNeko/internal/ledger"
	ledgerasync "github.com/lumia1998/AnuNeko/internal/ledger/async"
	ledgerpg "github.com/lumia1998/AnuNeko/internal/ledger/postgres"
	ledgersql "github.com/lumia1998/AnuNeko/internal/ledger/sqlite"
	"github.com/lumia1998/AnuNeko/internal/logging"
	"github.com/lumia1998/AnuNeko/internal/ratelimit"
	"github.com/lumia1998/AnuNeko/internal/session"
	"github.com/lumia1998/AnuNeko/internal/translate"
	"github.com/lumia1998/AnuNeko/internal/version"
)

func main() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	sink, err := logging.Open(cfg.LogFile, cfg.LogLevel, cfg.LogMaxBytes, cfg.LogMaxBackups)
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer sink.Close()
	log.SetOutput(sink)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[gatewayd] ")
	log.Printf("starting %s env=%s", version.FullInfo(), cfg.Environment)

	client, err := backend.New(backend.Config{
		Token:          cfg.Token,
		Cookie:         cfg.Cookie,
		BaseURL:        cfg.BackendBaseURL,
		DeviceID:       cfg.DeviceID,
		AppID:          cfg.AppID,
		ClientType:     cfg.ClientType,
		RequestTimeout: cfg.BackendRequestTimeout,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Logger:         sink.Logger("backend"),
	})
	if err != nil {
		log.Fatalf("init backend client: %v", err)
	}

	var seed []catalog.Entry
	if cfg.CatalogSeedFile != "" {
		seed, err = catalog.LoadSeedFile(cfg.CatalogSeedFile)
		if err != nil {
			log.Fatalf("load catalog seed: %v", err)
		}
		log.Printf("catalog seed loaded entries=%d file=%s", len(seed), cfg.CatalogSeedFile)
	}
	models := catalog.New(client, catalog.Config{
		Prefix:              cfg.ModelPrefix,
		DefaultBackendModel: cfg.DefaultBackendModel,
		Seed:                seed,
		RefreshInterval:     cfg.CatalogRefreshInterval,
		Logger:              sink.Logger("catalog"),
	})
	models.Start()
	defer models.Close()

	warmCtx, cancelWarm := context.WithTimeout(context.Background(), cfg.BackendRequestTimeout)
	if err := models.Refresh(warmCtx); err != nil {
		log.Printf("initial model refresh failed, continuing with defaults: %v", err)
	}
	cancelWarm()

	sessions := session.New(client, models, session.Config{
		TTL:                      cfg.SessionTTL,
		NewConversationThreshold: cfg.NewConversationThreshold,
		SweepInterval:            cfg.SessionSweepInterval,
		Logger:                   sink.Logger("session"),
	})
	defer sessions.Close()

	translator := translate.New(translate.Config{
		Confirmer:      client,
		ConfirmTimeout: client.ConfirmTimeout(),
		Logger:         sink.Logger("translate"),
	})

	gateway := core.NewGateway(client, models, sessions, translator)
	gateway.SetLogger(sink.Logger("core"))

	ledgerStore, err := openLedger(cfg, sink)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	if ledgerStore != nil {
		defer ledgerStore.Close()
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			CleanupInterval:   5 * time.Minute,
		})
		defer limiter.Close()
		log.Printf("rate limit enabled rps=%.2f burst=%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	healthCfg := health.Config{
		BackendBaseURL: client.BaseURL(),
		ModelCount:     func() int { return models.State().Entries },
		CacheTTL:       5 * time.Second,
	}
	if ledgerStore != nil {
		healthCfg.Ledger = ledgerStore
	}

	httpSrv := httpserver.New(gateway, httpserver.Config{
		Ledger:             ledgerStore,
		Health:             health.New(healthCfg),
		Limiter:            limiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	httpSrv.SetLogger(sink.Leveled("http"))

	// No WriteTimeout: streamed replies can outlive any fixed bound.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("gateway server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigs
	log.Printf("received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger returns nil when neither ledger_path nor ledger_dsn is set.
func openLedger(cfg config.GatewayConfig, sink *logging.Sink) (ledger.Store, error) {
	var (
		store ledger.Store
		err   error
	)
	switch {
	case cfg.LedgerDSN != "":
		store, err = ledgerpg.New(cfg.LedgerDSN, ledgerpg.PoolConfig{
			MaxOpen:     20,
			MaxIdle:     5,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
		})
	case cfg.LedgerPath != "":
		store, err = ledgersql.New(cfg.LedgerPath)
	default:
		log.Printf("usage ledger disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.LedgerAsync {
		return ledgerasync.New(store, ledgerasync.Config{Logger: sink.Logger("ledger")}), nil
	}
	return store, nil
}
