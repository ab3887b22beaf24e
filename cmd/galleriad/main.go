package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"galleria/config"
	"galleria/core/events"
	"galleria/core/types"
	"galleria/gateway"
	"galleria/native/market"
	"galleria/native/receipts"
	"galleria/observability/logging"
	"galleria/observability/metrics"
	"galleria/observability/otel"
	"galleria/storage"
	"galleria/storage/state"
)

const shutdownTimeout = 10 * time.Second

// auditEmitter mirrors every market event into the structured log and the
// prometheus counters.
type auditEmitter struct {
	log *slog.Logger
}

func (a auditEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	attrs := make([]any, 0, 2*len(payload.Attributes)+2)
	attrs = append(attrs, "event", payload.Type)
	for k, v := range payload.Attributes {
		attrs = append(attrs, k, v)
	}
	a.log.Info("market event", attrs...)

	m := metrics.Market()
	switch payload.Type {
	case market.EventTypeListingCreated:
		m.ListingCreated()
	case market.EventTypePurchaseCreated:
		m.PurchaseOpened()
	case market.EventTypePurchaseDisputed:
		m.DisputeOpened()
	case market.EventTypePurchaseResolved:
		m.Settled(metrics.PathVerify)
	case market.EventTypePurchaseForced:
		m.Settled(metrics.PathForce)
	case market.EventTypePurchaseSettled:
		m.Settled(metrics.PathDisputeSeller)
	case market.EventTypePurchaseRefunded:
		m.Settled(metrics.PathDisputeBuyer)
	case market.EventTypeCollateralDeposited:
		m.CollateralDeposited()
	case market.EventTypeCollateralWithdrawn:
		m.CollateralWithdrawn()
	}
}

func main() {
	configPath := flag.String("config", "galleria.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("galleriad", cfg.Environment, cfg.LogFile)

	ctx := context.Background()
	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "galleriad",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown", "err", err)
			}
		}()
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "market"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := grantGenesisRoles(manager, cfg); err != nil {
		log.Fatalf("grant genesis roles: %v", err)
	}

	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetVault(market.DefaultVaultAddress())
	engine.SetReceipts(receipts.NewLedger(db))
	engine.SetEmitter(auditEmitter{log: logger})
	engine.SetConfirmationTimeout(cfg.ConfirmationTimeoutSeconds)
	if err := engine.SetHoldbackBps(cfg.HoldbackBps); err != nil {
		log.Fatalf("configure holdback: %v", err)
	}
	if err := configureFees(engine, cfg); err != nil {
		log.Fatalf("configure fees: %v", err)
	}

	secret := []byte(cfg.AuthSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			log.Fatalf("generate auth secret: %v", err)
		}
		logger.Warn("no AuthSecret configured; generated ephemeral secret",
			"secret", hex.EncodeToString(secret))
	}

	server := gateway.NewServer(engine, manager, logger, secret)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("galleria gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func grantGenesisRoles(manager *state.Manager, cfg *config.Config) error {
	grant := func(role string, raw []string) error {
		for _, entry := range raw {
			addr, err := config.ParseAddress(entry)
			if err != nil {
				return err
			}
			if err := manager.GrantRole(role, addr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := grant(market.RoleArtist, cfg.Artists); err != nil {
		return err
	}
	return grant(market.RoleArbiter, cfg.Arbiters)
}

func configureFees(engine *market.Engine, cfg *config.Config) error {
	if strings.TrimSpace(cfg.FeeTreasury) != "" {
		treasury, err := config.ParseAddress(cfg.FeeTreasury)
		if err != nil {
			return err
		}
		engine.SetFeeTreasury(treasury)
	}
	if cfg.FeeBps == 0 {
		return nil
	}
	collector, err := config.ParseAddress(cfg.FeeCollector)
	if err != nil {
		return err
	}
	policy, err := market.NewBpsFeePolicy(cfg.FeeBps, cfg.FeeGranularity, collector)
	if err != nil {
		return err
	}
	engine.SetFeePolicy(policy)
	return nil
}
