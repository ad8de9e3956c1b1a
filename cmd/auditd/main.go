package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/block"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/health"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "config file (default configs/auditledger.yaml or ./auditledger.yaml)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configFile, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	km := identity.NewKeyManager(cfg.Identity.KeyDir, cfg.Identity.Passphrase)
	if err := km.LoadOrCreate(); err != nil {
		return fmt.Errorf("authority key: %w", err)
	}
	authority := km.Authority()
	logger.Info("authority key ready",
		zap.String("key_dir", cfg.Identity.KeyDir),
		zap.String("kid", identity.KeyID(authority.PublicKey())),
		zap.Bool("sealed", cfg.Identity.Passphrase != ""),
	)

	store, err := ledger.OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	dispatcher := webhooks.NewDispatcher(cfg.Webhooks, logger)
	dispatcher.SetMetricsRecorder(handler.RecordWebhookDelivery)
	defer dispatcher.Wait()

	opts := cfg.LedgerOptions()
	if len(cfg.Webhooks) > 0 {
		opts.OnAppend = func(b *block.Block) {
			dispatcher.Dispatch(ctx, webhooks.EventBlockAppended, map[string]string{
				"index":        strconv.FormatInt(b.Index, 10),
				"hash":         b.Hash,
				"event_type":   b.EventType,
				"reference_id": b.ReferenceID,
				"actor":        b.Actor,
			})
		}
		logger.Info("webhooks enabled", zap.Int("endpoints", len(cfg.Webhooks)))
	}

	l, err := ledger.Open(ctx, store, authority, opts, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close() //nolint:errcheck

	tokens := identity.NewTokenIssuer(km.Key(), cfg.Identity.Issuer, cfg.Identity.TokenTTL)

	var checker *health.Checker
	if cfg.Ledger.AuditInterval > 0 {
		checker = health.New(l, health.Config{
			CheckInterval: cfg.Ledger.AuditInterval,
			FailThreshold: cfg.Ledger.AuditFailThreshold,
		}, logger)
		checker.SetMetricsRecord(handler.RecordChainAudit)
		checker.SetAlert(func(ctx context.Context, err error) {
			dispatcher.Dispatch(ctx, webhooks.EventChainDegraded, map[string]string{
				"error":  err.Error(),
				"blocks": strconv.Itoa(l.Len()),
			})
		})
		go checker.Start(ctx)
		logger.Info("chain audit enabled", zap.Duration("interval", cfg.Ledger.AuditInterval))
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	routerCfg := handler.RouterConfig{
		BaseURL:      cfg.Server.BaseURL,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,

		TrustedProxies: cfg.Server.TrustedProxies,
	}
	if checker != nil {
		routerCfg.Health = checker
	}
	router := handler.NewRouter(ctx, routerCfg, l, tokens, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auditd HTTP listening",
			zap.Int("port", cfg.Server.Port),
			zap.Int("difficulty", cfg.Ledger.Difficulty),
			zap.Int("blocks", l.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down auditd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("auditd stopped")
	return nil
}
