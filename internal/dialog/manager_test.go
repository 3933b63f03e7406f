package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/media"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
)

func testConfig() config.DialogConfig {
	return config.DialogConfig{
		EventTimeoutSeconds:    5,
		LockTimeoutMillis:      2000,
		DebounceWindowMillis:   2000,
		RateLimitPerMinute:     1000,
		RateLimitBurst:         1000,
		MaxSendRetries:         1,
		AutoTransitionMaxSteps: 10,
		SeenWindowSize:         100,
		AutoStartOnMessage:     true,
	}
}

func newTestManager(t *testing.T, cfg config.DialogConfig) (*Manager, *persistence.Store, *fakeAdapter) {
	t.Helper()
	store, err := persistence.Open(context.Background(), ":memory:", persistence.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := channels.NewRegistry()
	adapter := &fakeAdapter{}
	registry.Put("bot1", channels.PlatformTelegram, adapter)

	mediaMgr := media.NewManager(store, nil)
	actions := scenario.NewActionRegistry()

	tracer := nooptrace.NewTracerProvider().Tracer("test")
	m := NewManager(store, registry, mediaMgr, actions, cfg, nil, nil, tracer)
	return m, store, adapter
}

func saveAndActivate(t *testing.T, store *persistence.Store, botID string, g *scenario.Graph) {
	t.Helper()
	if err := store.UpsertBot(context.Background(), persistence.Bot{ID: botID, AccountID: "acct", Name: botID, Active: true}); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}
	if err := scenario.ValidateGraph(g, scenario.NewActionRegistry()); err != nil {
		t.Fatalf("ValidateGraph: %v", err)
	}
	data, err := scenario.Encode(g)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := store.SaveScenario(context.Background(), botID, "s1", 1, data); err != nil {
		t.Fatalf("SaveScenario: %v", err)
	}
	if err := store.ActivateScenario(context.Background(), botID, 1); err != nil {
		t.Fatalf("ActivateScenario: %v", err)
	}
}

// --- fakeAdapter ---

type fakeAdapter struct {
	sendMediaErr error
	sendTextErr  error

	texts  []string
	media  []string
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) ParseEvent(raw []byte) (channels.Event, error) {
	var e channels.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return channels.Event{}, err
	}
	return e, nil
}

func (f *fakeAdapter) SendText(ctx context.Context, chat channels.ChatRef, text string, buttons []channels.Button) (channels.MessageID, error) {
	if f.sendTextErr != nil {
		return "", f.sendTextErr
	}
	f.texts = append(f.texts, text)
	return channels.MessageID("m"), nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, chat channels.ChatRef, items []channels.MediaItem, text string, buttons []channels.Button) ([]channels.SentMedia, error) {
	if f.sendMediaErr != nil {
		return nil, f.sendMediaErr
	}
	f.media = append(f.media, text)
	out := make([]channels.SentMedia, len(items))
	for i := range items {
		out[i] = channels.SentMedia{MessageID: "m", FileID: "platform-id"}
	}
	return out, nil
}

func (f *fakeAdapter) UploadMedia(ctx context.Context, data []byte, mime string) (channels.PlatformFileID, error) {
	return "", nil
}

func (f *fakeAdapter) SetWebhook(ctx context.Context, url string, opts channels.WebhookOptions) error {
	return nil
}

func (f *fakeAdapter) GetWebhookInfo(ctx context.Context) (channels.WebhookInfo, error) {
	return channels.WebhookInfo{}, nil
}

func (f *fakeAdapter) DeleteWebhook(ctx context.Context) error { return nil }

func chatRef(botID string) channels.ChatRef {
	return channels.ChatRef{BotID: botID, Platform: channels.PlatformTelegram, PlatformChatID: "555"}
}

func commandEvent(updateID, command string) []byte {
	b, _ := json.Marshal(channels.Event{
		Kind:        channels.EventKindCommand,
		Chat:        chatRef("bot1"),
		RawUpdateID: updateID,
		Command:     command,
	})
	return b
}

func textEvent(updateID, text string) []byte {
	b, _ := json.Marshal(channels.Event{
		Kind:        channels.EventKindText,
		Chat:        chatRef("bot1"),
		RawUpdateID: updateID,
		Text:        text,
	})
	return b
}

func buttonEvent(updateID, value string) []byte {
	b, _ := json.Marshal(channels.Event{
		Kind:        channels.EventKindButton,
		Chat:        chatRef("bot1"),
		RawUpdateID: updateID,
		ButtonValue: value,
	})
	return b
}

// --- Happy path text input ---

func TestHandleWebhook_HappyPathTextInput(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "ask_name",
		Steps: map[string]*scenario.Step{
			"ask_name": {
				ID: "ask_name", Type: scenario.StepTypeMessage, Message: "What is your name?",
				Input: &scenario.InputSpec{Kind: scenario.InputKindText, Variable: "name"},
				Next:  []scenario.NextRef{{Next: "greet"}},
			},
			"greet": {
				ID: "greet", Type: scenario.StepTypeMessage, Message: "Hello {{name}}!", Terminal: true,
			},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, textEvent("u2", "Alice")); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if len(adapter.texts) != 2 || adapter.texts[0] != "What is your name?" || adapter.texts[1] != "Hello Alice!" {
		t.Fatalf("unexpected sent texts: %+v", adapter.texts)
	}

	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.CurrentStepID != "greet" {
		t.Fatalf("expected to land on greet, got %q", st.CurrentStepID)
	}
}

// --- Duplicate click dropped ---

func TestHandleWebhook_DuplicateClickDropped(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "confirm",
		Steps: map[string]*scenario.Step{
			"confirm": {
				ID: "confirm", Type: scenario.StepTypeMessage, Message: "Confirm?",
				Buttons: []scenario.Button{{Text: "Yes", Value: "yes"}},
				Input:   &scenario.InputSpec{Kind: scenario.InputKindButton, Variable: "confirmed", Buttons: []string{"yes"}},
				Next:    []scenario.NextRef{{Next: "confirm"}},
			},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, buttonEvent("u2", "yes")); err != nil {
		t.Fatalf("first click: %v", err)
	}
	afterFirst := len(adapter.texts)

	// A second click with the same button value arrives with a fresh
	// update id (the user double-tapped before the UI updated) while the
	// conversation is still sitting on the same step: the fingerprint
	// debounce must drop it rather than reprocessing it.
	err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, buttonEvent("u3", "yes"))
	var eerr *EngineError
	if !errors.As(err, &eerr) || eerr.Kind != KindDuplicateClick {
		t.Fatalf("expected KindDuplicateClick, got %v", err)
	}

	if len(adapter.texts) != afterFirst {
		t.Fatalf("expected duplicate click to send nothing new, got %d new sends", len(adapter.texts)-afterFirst)
	}

	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Version != 3 { // create, start-step persist, first click
		t.Fatalf("expected version 3 (duplicate must not persist), got %d", st.Version)
	}
}

// --- Invalid button re-prompts ---

func TestHandleWebhook_InvalidButtonReprompts(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "pick",
		Steps: map[string]*scenario.Step{
			"pick": {
				ID: "pick", Type: scenario.StepTypeMessage, Message: "Pick A or B",
				Buttons: []scenario.Button{{Text: "A", Value: "a"}, {Text: "B", Value: "b"}},
				Input: &scenario.InputSpec{
					Kind: scenario.InputKindButton, Variable: "choice", Buttons: []string{"a", "b"},
					ErrorMessage: "Please choose A or B.",
				},
				Next: []scenario.NextRef{{Next: "done"}},
			},
			"done": {ID: "done", Type: scenario.StepTypeMessage, Message: "Thanks!", Terminal: true},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, buttonEvent("u2", "c"))
	var eerr *EngineError
	if !errors.As(err, &eerr) || eerr.Kind != KindInvalidButton {
		t.Fatalf("expected KindInvalidButton, got %v", err)
	}

	if len(adapter.texts) != 2 || adapter.texts[1] != "Please choose A or B." {
		t.Fatalf("expected a re-prompt with the error message, got %+v", adapter.texts)
	}

	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.CurrentStepID != "pick" || st.Version != 2 {
		t.Fatalf("expected state to stay at pick/version 2 (create + start) after invalid input, got %q/%d", st.CurrentStepID, st.Version)
	}
	if !waitForHistory(t, store, st.ID, "InvalidButton") {
		t.Fatalf("expected an InvalidButton system history entry")
	}
}

// --- Conditional branch with auto-transition ---

func TestHandleWebhook_ConditionalBranchAutoTransition(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "ask_age",
		Steps: map[string]*scenario.Step{
			"ask_age": {
				ID: "ask_age", Type: scenario.StepTypeMessage, Message: "How old are you?",
				Input: &scenario.InputSpec{Kind: scenario.InputKindNumber, Variable: "age", MinValue: floatPtr(0)},
				Next: []scenario.NextRef{
					{If: "age >= 18", Next: "adult"},
					{Next: "minor"},
				},
			},
			"adult": {
				ID: "adult", Type: scenario.StepTypeMessage, Message: "You are an adult.",
				Next: []scenario.NextRef{{Next: "done"}},
			},
			"minor": {ID: "minor", Type: scenario.StepTypeMessage, Message: "You are a minor.", Terminal: true},
			"done":  {ID: "done", Type: scenario.StepTypeMessage, Message: "Thanks for confirming.", Terminal: true},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, textEvent("u2", "20")); err != nil {
		t.Fatalf("reply: %v", err)
	}

	want := []string{"How old are you?", "You are an adult.", "Thanks for confirming."}
	if len(adapter.texts) != len(want) {
		t.Fatalf("expected %d sends, got %+v", len(want), adapter.texts)
	}
	for i, w := range want {
		if adapter.texts[i] != w {
			t.Fatalf("send %d: expected %q, got %q", i, w, adapter.texts[i])
		}
	}

	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.CurrentStepID != "done" {
		t.Fatalf("expected to land on done, got %q", st.CurrentStepID)
	}
}

func floatPtr(f float64) *float64 { return &f }

// --- Auto-transition loop guard ---

func TestHandleWebhook_AutoTransitionLoopTripsGuard(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "a",
		Steps: map[string]*scenario.Step{
			"a": {ID: "a", Type: scenario.StepTypeMessage, Message: "A", Next: []scenario.NextRef{{Next: "b"}}},
			"b": {ID: "b", Type: scenario.StepTypeMessage, Message: "B", Next: []scenario.NextRef{{Next: "a"}}},
		},
	}

	cfg := testConfig()
	cfg.AutoTransitionMaxSteps = 5
	m, store, adapter := newTestManager(t, cfg)
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start"))
	var eerr *EngineError
	if !errors.As(err, &eerr) || eerr.Kind != KindAutoTransitionLoop {
		t.Fatalf("expected KindAutoTransitionLoop, got %v", err)
	}

	// Each unique step renders exactly once before the guard trips.
	if len(adapter.texts) != 2 || adapter.texts[0] != "A" || adapter.texts[1] != "B" {
		t.Fatalf("expected each unique step sent once, got %+v", adapter.texts)
	}

	// The conversation rests at the last unique step, not in fault.
	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.CurrentStepID != "b" {
		t.Fatalf("expected dialog to rest at last unique step b, got %q", st.CurrentStepID)
	}

	if !waitForHistory(t, store, st.ID, "AutoTransitionLoop") {
		t.Fatalf("expected an AutoTransitionLoop system history entry")
	}
}

// waitForHistory polls the async history writer for an entry whose
// payload contains substr, giving the buffered writer time to drain.
func waitForHistory(t *testing.T, store *persistence.Store, dialogID, substr string) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := store.ListHistory(context.Background(), dialogID, 0)
		if err != nil {
			t.Fatalf("ListHistory: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Payload, substr) {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// --- Auto-transition depth boundary ---

func TestHandleWebhook_AutoTransitionDepthBoundary(t *testing.T) {
	// A linear chain of N hops completes at exactly the configured
	// budget; one more hop trips the guard and rests the conversation at
	// the last step inside the budget.
	chain := func(ids ...string) *scenario.Graph {
		g := &scenario.Graph{StartStepID: ids[0], Steps: map[string]*scenario.Step{}}
		for i, id := range ids {
			step := &scenario.Step{ID: id, Type: scenario.StepTypeMessage, Message: id}
			if i == len(ids)-1 {
				step.Terminal = true
			} else {
				step.Next = []scenario.NextRef{{Next: ids[i+1]}}
			}
			g.Steps[id] = step
		}
		return g
	}

	cfg := testConfig()
	cfg.AutoTransitionMaxSteps = 3

	t.Run("exactly at budget completes", func(t *testing.T) {
		m, store, _ := newTestManager(t, cfg)
		saveAndActivate(t, store, "bot1", chain("a", "b", "c", "d")) // 3 hops
		if err := m.HandleWebhook(context.Background(), "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
			t.Fatalf("expected chain within budget to complete: %v", err)
		}
		st, err := store.Get(context.Background(), "bot1", "telegram", "555")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if st.CurrentStepID != "d" {
			t.Fatalf("expected terminal step d, got %q", st.CurrentStepID)
		}
	})

	t.Run("one past budget trips guard", func(t *testing.T) {
		m, store, _ := newTestManager(t, cfg)
		saveAndActivate(t, store, "bot1", chain("a", "b", "c", "d", "e")) // 4 hops
		err := m.HandleWebhook(context.Background(), "bot1", channels.PlatformTelegram, commandEvent("u1", "start"))
		var eerr *EngineError
		if !errors.As(err, &eerr) || eerr.Kind != KindAutoTransitionLoop {
			t.Fatalf("expected KindAutoTransitionLoop, got %v", err)
		}
		st, gerr := store.Get(context.Background(), "bot1", "telegram", "555")
		if gerr != nil {
			t.Fatalf("Get: %v", gerr)
		}
		if st.CurrentStepID != "d" {
			t.Fatalf("expected to rest at the last step inside the budget, got %q", st.CurrentStepID)
		}
	})
}

// --- Replay of a seen update id is a no-op ---

func TestHandleWebhook_ReplayedUpdateIDIsNoOp(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "ask",
		Steps: map[string]*scenario.Step{
			"ask": {
				ID: "ask", Type: scenario.StepTypeMessage, Message: "Say something",
				Input: &scenario.InputSpec{Kind: scenario.InputKindText, Variable: "said"},
				Next:  []scenario.NextRef{{Next: "ask"}},
			},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := len(adapter.texts)

	// The platform redelivers the exact same update id: dropped before the
	// conversation lock, no sends, no state change.
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(adapter.texts) != before {
		t.Fatalf("expected replay to send nothing, got %d new sends", len(adapter.texts)-before)
	}
}

// --- /reset is idempotent ---

func TestHandleWebhook_ResetTwiceConverges(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "ask_name",
		Steps: map[string]*scenario.Step{
			"ask_name": {
				ID: "ask_name", Type: scenario.StepTypeMessage, Message: "Name?",
				Input: &scenario.InputSpec{Kind: scenario.InputKindText, Variable: "name"},
				Next:  []scenario.NextRef{{Next: "ask_name"}},
			},
		},
	}

	m, store, _ := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, textEvent("u2", "Ada")); err != nil {
		t.Fatalf("reply: %v", err)
	}

	for i, update := range []string{"u3", "u4"} {
		if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent(update, "reset")); err != nil {
			t.Fatalf("reset %d: %v", i+1, err)
		}
		st, err := store.Get(ctx, "bot1", "telegram", "555")
		if err != nil {
			t.Fatalf("Get after reset %d: %v", i+1, err)
		}
		if st.CurrentStepID != "ask_name" {
			t.Fatalf("reset %d: expected start step, got %q", i+1, st.CurrentStepID)
		}
		if len(st.CollectedData) != 0 {
			t.Fatalf("reset %d: expected empty collected_data, got %+v", i+1, st.CollectedData)
		}
	}
}

// --- Quiescent without auto-start ---

func TestHandleWebhook_PlainMessageIgnoredWithoutAutoStart(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "hello",
		Steps: map[string]*scenario.Step{
			"hello": {ID: "hello", Type: scenario.StepTypeMessage, Message: "Hi", Terminal: true},
		},
	}

	cfg := testConfig()
	cfg.AutoStartOnMessage = false
	m, store, adapter := newTestManager(t, cfg)
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, textEvent("u1", "hey there")); err != nil {
		t.Fatalf("plain message: %v", err)
	}
	if len(adapter.texts) != 0 {
		t.Fatalf("expected no sends before /start, got %+v", adapter.texts)
	}
	if _, err := store.Get(ctx, "bot1", "telegram", "555"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected no dialog state before /start, got %v", err)
	}

	// /start still works as the explicit opt-in.
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u2", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(adapter.texts) != 1 || adapter.texts[0] != "Hi" {
		t.Fatalf("expected the start step after /start, got %+v", adapter.texts)
	}
}

// --- Media fallback ---

func TestHandleWebhook_MediaSendFallsBackToText(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "send_pic",
		Steps: map[string]*scenario.Step{
			"send_pic": {
				ID: "send_pic", Type: scenario.StepTypeMessage, Message: "Here is our logo", Terminal: true,
				Media: []scenario.MediaRef{{Type: "image", Description: "A logo", FileID: "logo"}},
			},
		},
	}

	cfg := testConfig()
	cfg.MaxSendRetries = 1
	m, store, adapter := newTestManager(t, cfg)
	saveAndActivate(t, store, "bot1", g)

	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := store.CreateMediaAsset(context.Background(), "bot1", "logo", "image/png", path); err != nil {
		t.Fatalf("CreateMediaAsset: %v", err)
	}

	adapter.sendMediaErr = &channels.AdapterError{Kind: channels.AdapterTransient, Op: "send_media", Err: errors.New("upload failed")}

	ctx := context.Background()
	if err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start")); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(adapter.media) != 0 {
		t.Fatalf("expected no successful media sends, got %+v", adapter.media)
	}
	if len(adapter.texts) != 1 || adapter.texts[0] != "A logo\nHere is our logo" {
		t.Fatalf("expected a text fallback describing the media, got %+v", adapter.texts)
	}

	st, err := store.Get(ctx, "bot1", "telegram", "555")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !waitForHistory(t, store, st.ID, "MediaUploadFailed") {
		t.Fatalf("expected a MediaUploadFailed system history entry")
	}
	// The bot history entry records what was actually delivered, i.e.
	// the description-prefixed fallback, not the original step text.
	if !waitForHistory(t, store, st.ID, "A logo\nHere is our logo") {
		t.Fatalf("expected the bot history entry to carry the fallback text")
	}
}

// --- Unauthorized send deactivates the credential ---

func TestHandleWebhook_UnauthorizedSendMarksCredentialUnhealthy(t *testing.T) {
	g := &scenario.Graph{
		StartStepID: "hello",
		Steps: map[string]*scenario.Step{
			"hello": {ID: "hello", Type: scenario.StepTypeMessage, Message: "Hi", Terminal: true},
		},
	}

	m, store, adapter := newTestManager(t, testConfig())
	saveAndActivate(t, store, "bot1", g)
	ctx := context.Background()

	if err := store.UpsertCredential(ctx, persistence.PlatformCredential{
		BotID: "bot1", Platform: "telegram", Secrets: "tok", Healthy: true,
	}); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	adapter.sendTextErr = &channels.AdapterError{Kind: channels.AdapterUnauthorized, Op: "send_text", Err: errors.New("401")}

	err := m.HandleWebhook(ctx, "bot1", channels.PlatformTelegram, commandEvent("u1", "start"))
	var eerr *EngineError
	if !errors.As(err, &eerr) || eerr.Kind != KindUnauthorized {
		t.Fatalf("expected KindUnauthorized, got %v", err)
	}

	cred, err := store.GetCredential(ctx, "bot1", "telegram")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.Healthy {
		t.Fatal("expected the credential to be marked unhealthy after an Unauthorized send")
	}
}
