package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crewhall/crewhall/internal/auth"
	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/chat"
	"github.com/crewhall/crewhall/internal/config"
	"github.com/crewhall/crewhall/internal/driver"
	"github.com/crewhall/crewhall/internal/gateway"
	"github.com/crewhall/crewhall/internal/lifecycle"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/sidecar"
	"github.com/crewhall/crewhall/internal/store"
	"github.com/crewhall/crewhall/internal/store/lite"
	"github.com/crewhall/crewhall/internal/store/pg"
	"github.com/crewhall/crewhall/internal/telemetry"
	"github.com/crewhall/crewhall/internal/templates"
	"github.com/crewhall/crewhall/pkg/protocol"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(orcerr.ExitUsage)
	}
	if len(cfg.Auth.Tokens) == 0 {
		slog.Error("no API tokens configured; set CREWHALL_API_TOKENS (token:tenant,...)")
		os.Exit(orcerr.ExitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	// Standalone keeps everything in one sqlite file; managed shares Postgres
	// across orchestrator replicas.
	var stores *store.Stores
	if cfg.IsManagedMode() {
		stores, err = pg.Open(ctx, cfg.Database.PostgresDSN)
	} else {
		stores, err = lite.Open(cfg.SQLitePathExpanded())
	}
	if err != nil {
		slog.Error("failed to open store", "mode", cfg.Database.Mode, "error", err)
		os.Exit(orcerr.ExitCode(err))
	}
	defer stores.Close()

	if err := templates.Seed(ctx, stores.Templates); err != nil {
		slog.Error("failed to seed builtin templates", "error", err)
		os.Exit(orcerr.ExitCode(err))
	}

	drv, err := driver.NewCompose(cfg.Driver.ComposeBin)
	if err != nil {
		slog.Error("container driver unavailable", "error", err)
		os.Exit(orcerr.ExitUnavailable)
	}
	defer drv.Close()

	b := bus.NewBroadcaster()
	msgs := router.New(b, 0)
	control := sidecar.New(drv, cfg.Driver.SidecarPipe, nil)
	manager := lifecycle.New(cfg, stores, drv, b, msgs, control,
		func(opts chat.Options) chat.Client { return chat.NewIRC(opts) })

	manager.Start(ctx)
	defer manager.Shutdown()

	// Reconcile persisted teams against whatever containers survived the
	// restart before accepting traffic.
	if err := manager.Rehydrate(ctx); err != nil {
		slog.Error("rehydrate failed", "error", err)
		os.Exit(orcerr.ExitCode(err))
	}

	verifier := auth.New(cfg.Auth.Tokens, stores.Tokens, cfg.Auth.ExchangeTokenTTLDuration())
	server := gateway.NewServer(cfg, manager, msgs, b, verifier, stores)

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("crewhall starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"addr", cfg.Server.Host, "port", cfg.Server.Port,
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		manager.Shutdown()
		os.Exit(orcerr.ExitCode(err))
	}
}
