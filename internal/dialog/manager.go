package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dialogengine/dialogengine/internal/audit"
	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/media"
	"github.com/dialogengine/dialogengine/internal/otel"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
	"github.com/dialogengine/dialogengine/internal/shared"
	"github.com/dialogengine/dialogengine/internal/validate"
)

const defaultHelpText = "Available commands: /start to begin, /reset to start over, /help for this message."

// Manager is the Dialog Manager: it owns the event pipeline described in
// spec.md §4.6, wiring together the Platform Adapter, Input Validator,
// Scenario Processor, Media Manager and State Repository around one
// inbound webhook event at a time per conversation.
type Manager struct {
	store    *persistence.Store
	registry *channels.Registry
	media    *media.Manager
	actions  *scenario.ActionRegistry
	graphs   *graphCache

	rateLimiter *validate.RateLimiter
	debouncer   *validate.Debouncer
	locks       *convLock

	seen seenRegistry

	cfg     config.DialogConfig
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

// NewManager wires a Dialog Manager from its collaborators. Each is built
// and owned by cmd/dialogengine's composition root and shared across
// Manager, the webhook intake server, and the CLI's inspect/reset
// subcommands.
func NewManager(
	store *persistence.Store,
	registry *channels.Registry,
	mediaMgr *media.Manager,
	actions *scenario.ActionRegistry,
	cfg config.DialogConfig,
	logger *slog.Logger,
	metrics *otel.Metrics,
	tracer trace.Tracer,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics, _ = otel.NewMetrics(noopmetric.NewMeterProvider().Meter("dialogengine"))
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("dialogengine")
	}
	return &Manager{
		store:       store,
		registry:    registry,
		media:       mediaMgr,
		actions:     actions,
		graphs:      newGraphCache(store, actions),
		rateLimiter: validate.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		debouncer:   validate.NewDebouncer(time.Duration(cfg.DebounceWindowMillis) * time.Millisecond),
		locks:       newConvLock(),
		seen:        newSeenRegistry(cfg.SeenWindowSize),
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// InvalidateScenarioCache drops cached graphs for a bot; called after
// scenario activation so the next new dialog picks up the new version
// (existing dialogs stay pinned to theirs regardless).
func (m *Manager) InvalidateScenarioCache(botID string) {
	m.graphs.invalidate(botID)
}

// UseSideStore attaches the shared validator side store (Redis-class)
// to the duplicate-click debounce and the per-chat rate limiter. Called
// once from the composition root before traffic starts; without it both
// run process-local.
func (m *Manager) UseSideStore(s validate.SideStore) {
	m.debouncer.SetSideStore(s)
	m.rateLimiter.SetSideStore(s)
}

// HandleWebhook is the sole entry point from webhook intake: it parses
// the platform-specific payload, deduplicates platform redelivery,
// serializes per-conversation processing, and runs the event through to
// a send-and-persist (or a recorded, non-retried rejection).
func (m *Manager) HandleWebhook(ctx context.Context, botID string, platform channels.Platform, raw []byte) error {
	traceID := shared.TraceID(ctx)

	adapter, ok := m.registry.Get(botID, platform)
	if !ok {
		return fmt.Errorf("dialog: no adapter registered for bot %s platform %s", botID, platform)
	}

	ctx, span := otel.StartServerSpan(ctx, m.tracer, "dialog.handle_webhook",
		otel.AttrBotID.String(botID), otel.AttrPlatform.String(string(platform)))
	defer span.End()

	start := time.Now()
	defer func() {
		m.metrics.EventDuration.Record(ctx, time.Since(start).Seconds())
	}()

	event, err := adapter.ParseEvent(raw)
	if err != nil {
		m.reject(ctx)
		return newEngineError(KindInvalidInput, "parse_event", err)
	}
	if event.Kind == channels.EventKindUnknown {
		return nil
	}

	if event.RawUpdateID != "" && m.seen.markSeen(botID, event.RawUpdateID) {
		return nil // platform redelivery of an update we already processed
	}

	chat := event.Chat
	lockKey := chat.BotID + "\x00" + string(chat.Platform) + "\x00" + chat.PlatformChatID

	lockCtx, cancelLock := context.WithTimeout(ctx, time.Duration(m.cfg.LockTimeoutMillis)*time.Millisecond)
	defer cancelLock()
	release, err := m.locks.acquire(lockCtx, lockKey)
	if err != nil {
		m.reject(ctx)
		return newEngineError(KindBusy, "acquire_lock", err)
	}
	defer release()

	evtCtx, cancelEvt := context.WithTimeout(ctx, time.Duration(m.cfg.EventTimeoutSeconds)*time.Second)
	defer cancelEvt()

	m.metrics.ActiveDialogs.Add(evtCtx, 1)
	defer m.metrics.ActiveDialogs.Add(evtCtx, -1)

	err = m.process(evtCtx, adapter, botID, chat, event, traceID)
	if err != nil {
		m.reject(ctx)
		return err
	}
	m.metrics.EventsProcessed.Add(ctx, 1)
	return nil
}

func (m *Manager) reject(ctx context.Context) {
	m.metrics.EventsRejected.Add(ctx, 1)
}

// process runs the validated, locked event through command dispatch or
// step execution and persists the resulting state exactly once.
func (m *Manager) process(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, event channels.Event, traceID string) error {
	if !m.rateLimiter.Allow(ctx, validate.ChatKey(botID, chat.PlatformChatID)) {
		m.metrics.RateLimitRejects.Add(ctx, 1)
		audit.Record("deny", "dialog.rate_limited", "per-chat rate limit exceeded", traceID, chat.PlatformChatID)
		if st, gerr := m.store.Get(ctx, botID, string(chat.Platform), chat.PlatformChatID); gerr == nil {
			m.store.AppendHistory(ctx, st.ID, persistence.MessageTypeSystem, "rate_limited")
		}
		return newEngineError(KindRateLimited, "rate_limit", nil)
	}

	state, err := m.store.Get(ctx, botID, string(chat.Platform), chat.PlatformChatID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return m.handleNoState(ctx, adapter, botID, chat, event, traceID)
	case err != nil:
		return newEngineError(KindFatal, "load_state", err)
	}

	if event.Kind == channels.EventKindCommand {
		return m.dispatchCommand(ctx, adapter, botID, chat, event, state, traceID)
	}

	graph, err := m.graphs.forVersion(ctx, botID, state.ScenarioVersion)
	if err != nil {
		return m.enterFault(ctx, botID, chat, state, traceID, err)
	}

	step, ok := graph.Step(state.CurrentStepID)
	if !ok {
		return m.enterFault(ctx, botID, chat, state, traceID, fmt.Errorf("unknown current step %q", state.CurrentStepID))
	}

	if step.Input == nil {
		// Nothing is awaiting a reply right now; a stray message has
		// nowhere to attach, so it is dropped rather than erroring the
		// webhook delivery.
		return nil
	}

	return m.handleReply(ctx, adapter, botID, chat, event, state, graph, step, traceID)
}

func (m *Manager) handleReply(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, event channels.Event, state persistence.DialogState, graph *scenario.Graph, step *scenario.Step, traceID string) error {
	raw := event.Text
	if event.Kind == channels.EventKindButton {
		raw = event.ButtonValue
	}

	fp := validate.Fingerprint(chat.PlatformChatID, step.ID, string(event.Kind), raw)
	if m.debouncer.Seen(ctx, fp) {
		m.metrics.DuplicateClicksCaught.Add(ctx, 1)
		// Silently dropped: no sends, no history, no state change. The
		// typed kind lets intake suppress the log line for it.
		return newEngineError(KindDuplicateClick, "debounce", nil)
	}

	value, verr := validate.ValidateInput(step.Input, raw)
	if verr != nil {
		m.reprompt(ctx, adapter, chat, graph, step, state.ID, state.CollectedData, verr)
		kind := KindInvalidInput
		label := "InvalidInput"
		if event.Kind == channels.EventKindButton {
			kind = KindInvalidButton
			label = "InvalidButton"
		}
		m.store.AppendHistory(ctx, state.ID, persistence.MessageTypeSystem, label+": "+verr.Error())
		return newEngineError(kind, "validate_input", verr)
	}

	data := cloneCollectedData(state.CollectedData)
	data[step.Input.Variable] = value
	m.store.AppendHistory(ctx, state.ID, persistence.MessageTypeUser, raw)

	nextID, ok := graph.ResolveNext(step, data)
	if !ok {
		if step.Terminal {
			return m.persist(ctx, botID, chat, state, step.ID, data)
		}
		return m.enterFault(ctx, botID, chat, state, traceID, fmt.Errorf("step %q has no matching transition", step.ID))
	}

	finalID, finalData, rerr := m.runStep(ctx, adapter, chat, graph, data, state.ID, nextID)
	return m.finishRun(ctx, botID, chat, state, traceID, finalID, finalData, rerr)
}

func (m *Manager) reprompt(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, graph *scenario.Graph, step *scenario.Step, dialogID string, collectedData map[string]any, verr error) {
	var ierr *validate.InputError
	if !errors.As(verr, &ierr) {
		return
	}
	res, err := scenario.Render(graph, step, collectedData)
	if err != nil {
		return
	}
	res.Text = ierr.Message
	if _, _, sendErr := m.sendStep(ctx, adapter, chat, dialogID, res); sendErr != nil {
		m.logger.Warn("failed to send re-prompt", "chat_id", chat.PlatformChatID, "err", sendErr)
	}
}

// handleNoState decides what a message from a chat with no dialog yet
// does: /start (and /reset, which means the same thing here) always
// materializes one; a plain text or button event does so only when the
// engine is configured to auto-start, otherwise it is dropped and the
// chat stays quiescent until an explicit /start (spec.md §4.6 step 5).
func (m *Manager) handleNoState(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, event channels.Event, traceID string) error {
	if event.Kind == channels.EventKindCommand {
		switch event.Command {
		case "start", "reset":
			return m.startFresh(ctx, adapter, botID, chat, traceID)
		case "help":
			_, sendErr := m.retrySendText(ctx, adapter, chat, defaultHelpText, nil)
			return sendErr
		default:
			_, sendErr := m.retrySendText(ctx, adapter, chat, "Unrecognized command. Try /start, /reset, or /help.", nil)
			return sendErr
		}
	}
	if m.cfg.AutoStartOnMessage {
		return m.startFresh(ctx, adapter, botID, chat, traceID)
	}
	return nil
}

func (m *Manager) startFresh(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, traceID string) error {
	row, graph, err := m.graphs.active(ctx, botID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			// Quiescent no-scenario mode: nothing to run until a scenario
			// is activated for this bot.
			m.logger.Info("no active scenario, ignoring event", "bot_id", botID, "chat_id", chat.PlatformChatID)
			return nil
		}
		return newEngineError(KindFatal, "active_scenario", err)
	}

	state, err := m.store.Create(ctx, botID, string(chat.Platform), chat.PlatformChatID, row.ID, row.Version, graph.StartStepID, map[string]any{})
	if err != nil {
		return newEngineError(KindConflict, "create_state", err)
	}

	finalID, finalData, rerr := m.runStep(ctx, adapter, chat, graph, map[string]any{}, state.ID, graph.StartStepID)
	return m.finishRun(ctx, botID, chat, state, traceID, finalID, finalData, rerr)
}

func (m *Manager) dispatchCommand(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, event channels.Event, state persistence.DialogState, traceID string) error {
	switch event.Command {
	case "start", "reset":
		return m.resetToStart(ctx, adapter, botID, chat, state, traceID, event.Command)
	case "help":
		return m.cmdHelp(ctx, adapter, botID, chat, state)
	default:
		_, err := m.retrySendText(ctx, adapter, chat, "Unrecognized command. Try /start, /reset, or /help.", nil)
		return err
	}
}

// resetToStart implements both /start and /reset: both move a dialog back
// to its scenario's start step with collected_data cleared, preserving
// history and keeping the dialog pinned to its original scenario_version
// (spec.md §9 Open Question: reset is idempotent and history-preserving).
func (m *Manager) resetToStart(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, state persistence.DialogState, traceID, commandName string) error {
	graph, err := m.graphs.forVersion(ctx, botID, state.ScenarioVersion)
	if err != nil {
		return m.enterFault(ctx, botID, chat, state, traceID, err)
	}

	audit.Record("allow", "dialog."+commandName, "user-initiated "+commandName, traceID, chat.PlatformChatID)
	m.store.AppendHistory(ctx, state.ID, persistence.MessageTypeSystem, commandName)

	finalID, finalData, rerr := m.runStep(ctx, adapter, chat, graph, map[string]any{}, state.ID, graph.StartStepID)
	return m.finishRun(ctx, botID, chat, state, traceID, finalID, finalData, rerr)
}

// cmdHelp sends a scenario-authored "help" step if the graph defines one,
// without moving the conversation off its current step; otherwise it
// falls back to a generic command summary.
func (m *Manager) cmdHelp(ctx context.Context, adapter channels.Adapter, botID string, chat channels.ChatRef, state persistence.DialogState) error {
	if graph, err := m.graphs.forVersion(ctx, botID, state.ScenarioVersion); err == nil {
		if step, ok := graph.Step("help"); ok {
			if res, rerr := scenario.Render(graph, step, state.CollectedData); rerr == nil {
				_, _, sendErr := m.sendStep(ctx, adapter, chat, state.ID, res)
				return sendErr
			}
		}
	}
	_, sendErr := m.retrySendText(ctx, adapter, chat, defaultHelpText, nil)
	return sendErr
}

// finishRun commits the outcome of a runStep call. A loop-guard trip is
// not a fault: the conversation rests at the last unique step reached
// (spec.md §4.6 step 8, §7), already recorded in history by runStep, and
// the typed error only surfaces to intake's logging.
func (m *Manager) finishRun(ctx context.Context, botID string, chat channels.ChatRef, state persistence.DialogState, traceID, finalID string, finalData map[string]any, rerr error) error {
	if rerr == nil {
		return m.persist(ctx, botID, chat, state, finalID, finalData)
	}
	var eerr *EngineError
	if errors.As(rerr, &eerr) && eerr.Kind == KindAutoTransitionLoop && finalID != "" {
		if perr := m.persist(ctx, botID, chat, state, finalID, finalData); perr != nil {
			return perr
		}
		return rerr
	}
	return m.handlePipelineErr(ctx, botID, chat, state, traceID, rerr)
}

func (m *Manager) handlePipelineErr(ctx context.Context, botID string, chat channels.ChatRef, state persistence.DialogState, traceID string, err error) error {
	var eerr *EngineError
	if errors.As(err, &eerr) {
		switch eerr.Kind {
		case KindTimeout:
			m.store.AppendHistory(context.WithoutCancel(ctx), state.ID, persistence.MessageTypeSystem, "timeout: event budget exceeded")
			return eerr
		case KindUnauthorized:
			// The platform rejected the bot's credential: mark it
			// unhealthy so the registry/scheduler stop using it, and
			// never retry (spec.md §4.1/§7).
			audit.Record("deny", "dialog.unauthorized", eerr.Error(), traceID, chat.PlatformChatID)
			if merr := m.store.MarkCredentialUnhealthy(context.WithoutCancel(ctx), botID, string(chat.Platform)); merr != nil {
				m.logger.Error("failed to mark credential unhealthy", "bot_id", botID, "platform", chat.Platform, "err", merr)
			}
			return eerr
		case KindFatal:
			return m.enterFault(ctx, botID, chat, state, traceID, eerr)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		m.store.AppendHistory(context.WithoutCancel(ctx), state.ID, persistence.MessageTypeSystem, "timeout: event budget exceeded")
		return newEngineError(KindTimeout, "event", err)
	}
	return err
}

// enterFault moves a dialog into its fault sub-state: only /reset can
// move it out again (spec.md §7's Fatal row). The underlying cause is
// recorded to the audit trail and dialog history for operators.
func (m *Manager) enterFault(ctx context.Context, botID string, chat channels.ChatRef, state persistence.DialogState, traceID string, cause error) error {
	audit.Record("deny", "dialog.enter_fault", cause.Error(), traceID, chat.PlatformChatID)

	faultID := faultStepID
	if _, err := m.store.Update(ctx, botID, string(chat.Platform), chat.PlatformChatID, state.Version, persistence.StatePatch{CurrentStepID: &faultID}); err != nil {
		m.logger.Error("failed to persist fault state", "bot_id", botID, "chat_id", chat.PlatformChatID, "err", err)
	}
	m.store.AppendHistory(ctx, state.ID, persistence.MessageTypeSystem, fmt.Sprintf("fault: %v", cause))
	return newEngineError(KindFatal, "enter_fault", cause)
}

func (m *Manager) persist(ctx context.Context, botID string, chat channels.ChatRef, state persistence.DialogState, stepID string, data map[string]any) error {
	_, err := m.store.Update(ctx, botID, string(chat.Platform), chat.PlatformChatID, state.Version, persistence.StatePatch{
		CurrentStepID: &stepID,
		CollectedData: data,
	})
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			m.metrics.StateConflicts.Add(ctx, 1)
			return newEngineError(KindConflict, "persist_state", err)
		}
		return newEngineError(KindFatal, "persist_state", err)
	}
	return nil
}

// runStep executes steps starting at startStepID, auto-advancing through
// any step with no expected_input (spec.md §4.2/§4.4), sending each
// rendered step as it goes and stopping at the first step that awaits a
// reply or is terminal. Its visited-step guard trips before the hop-count
// guard on any direct revisit within the same call.
func (m *Manager) runStep(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, graph *scenario.Graph, collectedData map[string]any, dialogID, startStepID string) (string, map[string]any, error) {
	visited := map[string]bool{startStepID: true}
	currentID := startStepID
	hops := 0

	for {
		step, ok := graph.Step(currentID)
		if !ok {
			return "", nil, newEngineError(KindFatal, "resolve_step", fmt.Errorf("unknown step %q", currentID))
		}

		if step.Type == scenario.StepTypeAction {
			out, err := m.actions.Run(ctx, step.ActionName, collectedData, step.ActionParams)
			if err != nil {
				return "", nil, newEngineError(KindFatal, "run_action", err)
			}
			for k, v := range out {
				collectedData[k] = v
			}
			m.store.AppendHistory(ctx, dialogID, persistence.MessageTypeSystem, "action:"+step.ActionName)
		} else {
			res, err := scenario.Render(graph, step, collectedData)
			if err != nil {
				return "", nil, newEngineError(KindSubstitutionError, "render_step", err)
			}
			_, sentText, err := m.sendStep(ctx, adapter, chat, dialogID, res)
			if err != nil {
				return "", nil, err
			}
			m.store.AppendHistory(ctx, dialogID, persistence.MessageTypeBot, sentText)

			if res.Terminal || !res.AutoAdvance {
				m.metrics.AutoTransitionDepth.Record(ctx, int64(hops))
				return currentID, collectedData, nil
			}
		}

		nextID, ok := graph.ResolveNext(step, collectedData)
		if !ok {
			// Auto-advancing, not marked terminal, no matching transition:
			// an implicit dead end (e.g. every condition false with no
			// unconditional fallback, unreachable post-ValidateGraph).
			m.metrics.AutoTransitionDepth.Record(ctx, int64(hops))
			return currentID, collectedData, nil
		}

		if visited[nextID] {
			return currentID, collectedData, m.tripLoopGuard(ctx, dialogID, fmt.Errorf("step %q revisited", nextID))
		}
		hops++
		if hops > m.cfg.AutoTransitionMaxSteps {
			return currentID, collectedData, m.tripLoopGuard(ctx, dialogID, fmt.Errorf("exceeded %d auto-transition hops", m.cfg.AutoTransitionMaxSteps))
		}
		visited[nextID] = true
		currentID = nextID
	}
}

// tripLoopGuard records the guard trip in history and metrics; the
// caller returns the last unique step it reached so the conversation
// rests there rather than faulting.
func (m *Manager) tripLoopGuard(ctx context.Context, dialogID string, cause error) *EngineError {
	m.metrics.AutoTransitionLoops.Add(ctx, 1)
	m.store.AppendHistory(ctx, dialogID, persistence.MessageTypeSystem, "AutoTransitionLoop: "+cause.Error())
	return newEngineError(KindAutoTransitionLoop, "auto_transition", cause)
}

func cloneCollectedData(src map[string]any) map[string]any {
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}
