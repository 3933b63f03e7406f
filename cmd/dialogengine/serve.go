package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dialogengine/dialogengine/internal/audit"
	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/cron"
	"github.com/dialogengine/dialogengine/internal/dialog"
	"github.com/dialogengine/dialogengine/internal/intake"
	"github.com/dialogengine/dialogengine/internal/media"
	"github.com/dialogengine/dialogengine/internal/otel"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
	"github.com/dialogengine/dialogengine/internal/validate"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook intake server and webhook health scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricsEnabled: &cfg.OTel.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	dbPath := cfg.DatabasePath
	store, err := persistence.Open(ctx, dbPath, persistence.Config{
		Logger:            logger,
		CacheSize:         cfg.Dialog.StateCacheSize,
		CacheTTL:          time.Duration(cfg.Dialog.StateCacheTTLSeconds) * time.Second,
		HistoryBufferSize: 1024,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	registry, err := buildRegistry(ctx, store, logger)
	if err != nil {
		return fmt.Errorf("build adapter registry: %w", err)
	}

	mediaMgr := media.NewManager(store, logger)
	actions := scenario.NewActionRegistry()
	scenario.RegisterDefaults(actions)

	mgr := dialog.NewManager(store, registry, mediaMgr, actions, cfg.Dialog, logger, metrics, otelProvider.Tracer)

	if cfg.SideStore.RedisAddr != "" {
		side, err := validate.NewRedisSideStore(cfg.SideStore.RedisAddr)
		if err != nil {
			logger.Warn("validator side store unreachable, duplicate/rate checks run process-local", "addr", cfg.SideStore.RedisAddr, "err", err)
		} else {
			defer side.Close()
			mgr.UseSideStore(side)
			logger.Info("validator side store connected", "addr", cfg.SideStore.RedisAddr)
		}
	}

	intakeSrv := intake.NewServer(cfg.Intake, cfg.Dialog, mgr, logger, metrics, otelProvider.Tracer)
	intakeSrv.Start(ctx, cfg.Intake.WorkerCount)
	defer intakeSrv.Stop()

	httpSrv := &http.Server{
		Addr:    cfg.Intake.BindAddr,
		Handler: intakeSrv.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("webhook intake listening", "addr", cfg.Intake.BindAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("file watcher unavailable, scenario hot-reload disabled", "err", err)
	} else {
		go watchReloads(ctx, watcher, cfg, store, mgr, actions, logger)
	}

	healthSched := cron.NewScheduler(cron.Config{
		Store:    store,
		Registry: registry,
		Logger:   logger,
		Interval: time.Duration(cfg.Cron.CheckIntervalSeconds) * time.Second,
	})
	healthSched.Start(ctx)
	defer healthSched.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("webhook intake server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// watchReloads consumes file-change events from the config watcher:
// a scenario JSON under scenarios/<bot-id>/ is re-validated, saved as a
// new version and atomically activated; a config.yaml change only flags
// drift, since most knobs are bound at construction time.
func watchReloads(ctx context.Context, watcher *config.Watcher, cfg config.Config, store *persistence.Store, mgr *dialog.Manager, actions *scenario.ActionRegistry, logger *slog.Logger) {
	for ev := range watcher.Events() {
		switch {
		case filepath.Base(ev.Path) == "config.yaml":
			fresh, err := config.Load()
			if err != nil {
				logger.Warn("config.yaml changed but failed to parse", "err", err)
				continue
			}
			if fresh.Fingerprint() != cfg.Fingerprint() {
				logger.Warn("config.yaml changed on disk, restart to apply", "fingerprint", fresh.Fingerprint())
			}
		case filepath.Ext(ev.Path) == ".json":
			reloadScenario(ctx, ev.Path, store, mgr, actions, logger)
		}
	}
}

func reloadScenario(ctx context.Context, path string, store *persistence.Store, mgr *dialog.Manager, actions *scenario.ActionRegistry, logger *slog.Logger) {
	botID := filepath.Base(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("scenario hot-reload: read failed", "path", path, "err", err)
		return
	}
	g, err := scenario.Decode(data)
	if err != nil {
		logger.Warn("scenario hot-reload: decode failed", "path", path, "err", err)
		return
	}
	if err := scenario.ValidateGraph(g, actions); err != nil {
		logger.Warn("scenario hot-reload: validation failed, keeping current version", "path", path, "bot_id", botID, "err", err)
		return
	}
	encoded, err := scenario.Encode(g)
	if err != nil {
		logger.Warn("scenario hot-reload: encode failed", "path", path, "err", err)
		return
	}

	if _, err := store.GetBot(ctx, botID); err != nil {
		logger.Warn("scenario hot-reload: unknown bot directory, skipping", "path", path, "bot_id", botID, "err", err)
		return
	}
	latest, err := store.LatestScenarioVersion(ctx, botID)
	if err != nil {
		logger.Error("scenario hot-reload: version lookup failed", "bot_id", botID, "err", err)
		return
	}
	version := latest + 1
	if err := store.SaveScenario(ctx, botID, filepath.Base(path), version, encoded); err != nil {
		logger.Error("scenario hot-reload: save failed", "bot_id", botID, "err", err)
		return
	}
	if err := store.ActivateScenario(ctx, botID, version); err != nil {
		logger.Error("scenario hot-reload: activation failed", "bot_id", botID, "err", err)
		return
	}
	mgr.InvalidateScenarioCache(botID)
	audit.Record("allow", "scenario.hot_reload", "scenario file change activated", "", botID)
	logger.Info("scenario hot-reloaded", "bot_id", botID, "version", version, "path", path)
}

// buildRegistry populates an adapter Registry from every stored platform
// credential. Only Telegram is implemented today (spec.md §1: WhatsApp/
// Viber are planned); a credential for an unimplemented platform is
// skipped with a warning rather than failing startup.
func buildRegistry(ctx context.Context, store *persistence.Store, logger interface {
	Info(string, ...any)
	Warn(string, ...any)
}) (*channels.Registry, error) {
	registry := channels.NewRegistry()

	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		switch channels.Platform(cred.Platform) {
		case channels.PlatformTelegram:
			adapter, err := channels.NewTelegramAdapter(cred.BotID, cred.Secrets, nil)
			if err != nil {
				logger.Warn("skipping telegram adapter with invalid credential", "bot_id", cred.BotID, "err", err)
				continue
			}
			registry.Put(cred.BotID, channels.PlatformTelegram, adapter)
		default:
			logger.Warn("skipping credential for unsupported platform", "bot_id", cred.BotID, "platform", cred.Platform)
		}
	}
	logger.Info("adapter registry populated", "credentials", len(creds))
	return registry, nil
}
