// Package cron runs the periodic webhook health-check sweep described in
// spec.md §2 item 7 and §4.1: for every (bot, platform) credential with
// auto_refresh enabled, ask the adapter for its current webhook
// registration, compare it against the credential's configured URL, and
// re-register when it has drifted. An Unauthorized response marks the
// credential unhealthy rather than retrying, matching the Dialog
// Manager's own adapter-error policy (spec.md §7).
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/dialogengine/dialogengine/internal/audit"
	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/persistence"
)

// Config holds the dependencies for the webhook health-check scheduler.
type Config struct {
	Store    *persistence.Store
	Registry *channels.Registry
	Logger   *slog.Logger
	// Interval between sweeps; defaults to 5 minutes if zero.
	Interval time.Duration
	// Staleness is how old webhook_last_checked must be before a
	// credential is due for a re-check; defaults to Interval if zero.
	Staleness time.Duration
	// WebhookOptions is applied when a drifted webhook is re-registered.
	WebhookOptions channels.WebhookOptions
}

// Scheduler periodically sweeps platform credentials due for a webhook
// health check and re-registers any that have drifted. The sweep cadence
// itself is driven by robfig/cron rather than a bare time.Ticker, the same
// library the teacher's original scheduler used for its due-schedule
// polling loop, so an operator could hand this a real cron expression
// (e.g. "0 */5 * * * *") instead of a bare interval without touching the
// rest of the package.
type Scheduler struct {
	store     *persistence.Store
	registry  *channels.Registry
	logger    *slog.Logger
	interval  time.Duration
	staleness time.Duration
	webhook   channels.WebhookOptions

	cr *robfigcron.Cron
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		registry:  cfg.Registry,
		logger:    logger,
		interval:  interval,
		staleness: staleness,
		webhook:   cfg.WebhookOptions,
	}
}

// Start begins the scheduler loop in a background goroutine; it respects
// the provided context for shutdown. The sweep runs once immediately, then
// on the robfig/cron schedule derived from Interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.cr = robfigcron.New(robfigcron.WithLogger(slogWriter{s.logger}))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cr.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		// Interval is always a valid duration string, so AddFunc can only
		// fail here on a programmer error in the format string above.
		s.logger.Error("webhook health scheduler: failed to register sweep job", "spec", spec, "error", err)
		return
	}
	s.cr.Start()
	s.Tick(ctx)
	s.logger.Info("webhook health scheduler started", "interval", s.interval)
}

// Stop halts the cron scheduler and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	if s.cr != nil {
		stopCtx := s.cr.Stop()
		<-stopCtx.Done()
	}
	s.logger.Info("webhook health scheduler stopped")
}

// slogWriter adapts a *slog.Logger to robfig/cron's printf-style Logger
// interface so cron's own job-start/job-stop diagnostics flow through the
// same structured logger as the rest of the engine.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Info(msg string, keysAndValues ...any) {
	w.logger.Info("cron: " + msg, keysAndValues...)
}

func (w slogWriter) Error(err error, msg string, keysAndValues ...any) {
	w.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// Tick runs one sweep over credentials due for a check. Exported so tests
// (and an operator CLI subcommand) can force an out-of-band sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ListCredentialsDueForCheck(ctx, s.staleness)
	if err != nil {
		s.logger.Error("webhook health: failed to list due credentials", "error", err)
		return
	}
	for _, cred := range due {
		s.check(ctx, cred)
	}
}

func (s *Scheduler) check(ctx context.Context, cred persistence.PlatformCredential) {
	adapter, ok := s.registry.Get(cred.BotID, channels.Platform(cred.Platform))
	if !ok {
		s.logger.Warn("webhook health: no adapter registered, skipping",
			"bot_id", cred.BotID, "platform", cred.Platform)
		return
	}

	info, err := adapter.GetWebhookInfo(ctx)
	if err != nil {
		s.handleErr(ctx, cred, "get_webhook_info", err)
		return
	}

	if info.URL == cred.WebhookURL {
		if err := s.store.MarkWebhookChecked(ctx, cred.BotID, cred.Platform, true); err != nil {
			s.logger.Error("webhook health: failed to mark checked", "bot_id", cred.BotID, "platform", cred.Platform, "error", err)
		}
		return
	}

	s.logger.Info("webhook health: registration drifted, re-registering",
		"bot_id", cred.BotID, "platform", cred.Platform, "want", cred.WebhookURL, "have", info.URL)

	if err := adapter.SetWebhook(ctx, cred.WebhookURL, s.webhook); err != nil {
		s.handleErr(ctx, cred, "set_webhook", err)
		return
	}

	if err := s.store.MarkWebhookChecked(ctx, cred.BotID, cred.Platform, true); err != nil {
		s.logger.Error("webhook health: failed to mark checked", "bot_id", cred.BotID, "platform", cred.Platform, "error", err)
	}
	audit.Record("allow", "webhook.reregistered", "webhook drift detected and corrected", "", cred.BotID+"/"+cred.Platform)
}

func (s *Scheduler) handleErr(ctx context.Context, cred persistence.PlatformCredential, op string, err error) {
	var aerr *channels.AdapterError
	if errors.As(err, &aerr) && aerr.Kind == channels.AdapterUnauthorized {
		s.logger.Error("webhook health: credential unauthorized, marking unhealthy",
			"bot_id", cred.BotID, "platform", cred.Platform, "op", op, "error", err)
		if merr := s.store.MarkCredentialUnhealthy(ctx, cred.BotID, cred.Platform); merr != nil {
			s.logger.Error("webhook health: failed to mark unhealthy", "bot_id", cred.BotID, "platform", cred.Platform, "error", merr)
		}
		audit.Record("deny", "webhook.unauthorized", err.Error(), "", cred.BotID+"/"+cred.Platform)
		return
	}

	// Transient failure: leave webhook_last_checked alone so the
	// credential stays (or becomes) due again next sweep.
	s.logger.Warn("webhook health: check failed, will retry next sweep",
		"bot_id", cred.BotID, "platform", cred.Platform, "op", op, "error", err)
}

