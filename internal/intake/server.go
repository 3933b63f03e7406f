// Package intake implements the Webhook Intake surface from spec.md §4.6
// step 1 and §6: a POST /webhook/{platform}/{bot_id} endpoint that
// acknowledges within the platform deadline by enqueueing the raw update
// onto a bounded worker pool and returning immediately, instead of
// running the Dialog Manager's event pipeline inline on the request
// goroutine. Heavy work (parsing, validation, scenario execution,
// sends, persistence) all happens off the HTTP request path.
package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/dialog"
	"github.com/dialogengine/dialogengine/internal/otel"
	"github.com/dialogengine/dialogengine/internal/shared"
)

// maxBodyBytes caps an inbound webhook payload; well above any real
// Telegram update but well short of letting a caller exhaust memory.
const maxBodyBytes = 1 << 20

type job struct {
	ctx      context.Context
	botID    string
	platform channels.Platform
	raw      []byte
}

// Server is the webhook intake HTTP surface: a thin router plus a bounded
// worker pool that drains enqueued jobs into the Dialog Manager.
type Server struct {
	manager *dialog.Manager
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	eventTimeout time.Duration
	queue        chan job

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer wires an intake Server from its collaborators. cfg.WorkerCount
// and cfg.MaxQueueDepth size the worker pool; dialogCfg.EventTimeoutSeconds
// bounds each job's processing deadline (spec.md §5).
func NewServer(cfg config.IntakeConfig, dialogCfg config.DialogConfig, manager *dialog.Manager, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("dialogengine")
	}
	queueDepth := cfg.MaxQueueDepth
	if queueDepth <= 0 {
		queueDepth = 500
	}
	timeout := time.Duration(dialogCfg.EventTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Server{
		manager:      manager,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		eventTimeout: timeout,
		queue:        make(chan job, queueDepth),
	}
}

// Start launches the worker pool. A non-positive workerCount falls back to
// 8 workers; callers typically pass cfg.IntakeConfig.WorkerCount.
func (s *Server) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 8
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("webhook intake workers started", "count", workerCount, "queue_depth", cap(s.queue))
}

// Stop cancels outstanding work and waits for workers to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			s.runJob(j)
		}
	}
}

func (s *Server) runJob(j job) {
	if s.metrics != nil {
		s.metrics.WebhookQueueDepth.Add(j.ctx, -1)
	}
	jobCtx, cancel := context.WithTimeout(j.ctx, s.eventTimeout)
	defer cancel()

	if err := s.manager.HandleWebhook(jobCtx, j.botID, j.platform, j.raw); err != nil {
		var eerr *dialog.EngineError
		if errors.As(err, &eerr) && eerr.Kind == dialog.KindDuplicateClick {
			return // not an error worth logging; expected under retried clicks
		}
		s.logger.Warn("webhook event dropped after processing error",
			"bot_id", j.botID, "platform", j.platform, "trace_id", shared.TraceID(j.ctx), "err", err)
	}
}

// Handler returns the HTTP handler to mount: the webhook route and a
// health route, using Go's
// method+wildcard ServeMux patterns, matching the rest of this codebase's
// HTTP surface conventions.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{platform}/{bot_id}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWebhook is the acknowledge-fast entry point: it reads the body,
// enqueues it, and replies 200 before any scenario work runs, per
// spec.md §4.6 step 1 and the Telegram ~60s ack deadline noted in §4.1.
// Verifying the platform's secret-token header is the job of the
// transport/auth middleware in front of this handler (out of scope per
// spec.md §1), not of the intake itself.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := channels.Platform(r.PathValue("platform"))
	botID := r.PathValue("bot_id")
	if botID == "" || platform == "" {
		http.Error(w, "missing platform or bot id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(context.Background(), traceID)

	select {
	case s.queue <- job{ctx: ctx, botID: botID, platform: platform, raw: body}:
		if s.metrics != nil {
			s.metrics.WebhookQueueDepth.Add(r.Context(), 1)
		}
		w.WriteHeader(http.StatusOK)
	default:
		// Queue saturated: reject so the platform redelivers later
		// (spec.md §5's Busy semantics), rather than block the request
		// goroutine past the platform's ack deadline.
		s.logger.Warn("webhook intake queue full, rejecting", "bot_id", botID, "platform", platform)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}
}
