// Package main implements the entry point for the ERI gateway.
// It wires configuration, storage, the authority client and the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erilink/eri-gateway/internal/audit"
	"github.com/erilink/eri-gateway/internal/auth"
	"github.com/erilink/eri-gateway/internal/authority"
	"github.com/erilink/eri-gateway/internal/config"
	"github.com/erilink/eri-gateway/internal/document"
	"github.com/erilink/eri-gateway/internal/envelope"
	"github.com/erilink/eri-gateway/internal/event"
	"github.com/erilink/eri-gateway/internal/lifecycle"
	"github.com/erilink/eri-gateway/internal/pii"
	"github.com/erilink/eri-gateway/internal/schema"
	"github.com/erilink/eri-gateway/internal/server"
	"github.com/erilink/eri-gateway/internal/session"
	"github.com/erilink/eri-gateway/internal/signer"
	"github.com/erilink/eri-gateway/internal/storage"
	"github.com/erilink/eri-gateway/internal/taxpayer"
	"github.com/erilink/eri-gateway/internal/telemetry"
)

const (
	serviceName = "eri-gateway"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	_, shutdownTracer, err := telemetry.Init(serviceName, version, traceOut)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// Storage: PostgreSQL when a DSN is configured, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		if err := storage.Migrate(ctx, cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if store, err = storage.NewPostgres(ctx, cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("initialize postgres storage: %w", err)
		}
		defer store.(interface{ Close() }).Close()
	} else {
		logger.Warn("no ERI_DB_DSN set, using in-memory storage")
		store = storage.NewMemory()
	}

	piiEnvelope, err := pii.New(cfg.Crypto.MasterKeyHex)
	if err != nil {
		return fmt.Errorf("initialize PII envelope: %w", err)
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return err
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize schema validator: %w", err)
	}

	// Session cache: Redis behind an in-process tier
	var durable session.Durable
	if !cfg.Redis.Disabled {
		rs, err := session.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rs.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, sessions stay in process until it recovers", "error", err)
		}
		cancel()
		durable = rs
	}
	sessions := session.NewCache(durable)

	// Request signing is only needed when talking to the real authority
	var builder *envelope.Builder
	if cfg.Authority.MockMode {
		logger.Warn("authority mock mode enabled, no requests leave the gateway")
	} else {
		s, err := signer.New(cfg.Signer)
		if err != nil {
			return fmt.Errorf("initialize signer: %w", err)
		}
		builder = envelope.NewBuilder(s, cfg.Authority.CallerID)
	}

	sink := audit.NewSink(store)
	registry := authority.NewRegistry(cfg.Authority, authority.Deps{
		Sessions: sessions,
		Builder:  builder,
		Audit:    sink,
	})

	var docs document.Store
	if cfg.S3.Enabled() {
		if docs, err = document.NewS3Store(ctx, cfg.S3); err != nil {
			return fmt.Errorf("initialize S3 document store: %w", err)
		}
	} else {
		logger.Warn("no S3 configured, acknowledgements are kept in memory")
		docs = document.NewMemory(cfg.S3.Bucket)
	}

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	taxpayers := taxpayer.NewService(store, func(tenant string) taxpayer.Authority { return registry.For(tenant) }, piiEnvelope, nil)
	returns := lifecycle.NewService(lifecycle.Deps{
		Store:     store,
		Authority: func(tenant string) lifecycle.Authority { return registry.For(tenant) },
		PII:       piiEnvelope,
		Documents: docs,
		Events:    pub,
		Validator: validator,
	})

	handler := server.NewMux(server.Deps{
		Ready:              store,
		Verifier:           verifier,
		Returns:            returns,
		Taxpayers:          taxpayers,
		Prefill:            taxpayer.NewPrefill(taxpayers, validator),
		Audit:              sink,
		Authority:          registry,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Authority calls may take up to their own 30s timeout
		WriteTimeout: 45 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "mockMode", cfg.Authority.MockMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}
