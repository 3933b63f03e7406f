package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/config"
	"github.com/dialogengine/dialogengine/internal/dialog"
	"github.com/dialogengine/dialogengine/internal/media"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
)

type fakeAdapter struct {
	mu    chan struct{}
	texts []string
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
	f.texts = append(f.texts, text)
	if f.mu != nil {
		f.mu <- struct{}{}
	}
	return channels.MessageID("m"), nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, chat channels.ChatRef, items []channels.MediaItem, text string, buttons []channels.Button) ([]channels.SentMedia, error) {
	return nil, nil
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

func testConfig() config.DialogConfig {
	return config.DialogConfig{
		EventTimeoutSeconds:    5,
		LockTimeoutMillis:      2000,
		DebounceWindowMillis:   50,
		RateLimitPerMinute:     1000,
		RateLimitBurst:         1000,
		MaxSendRetries:         1,
		AutoTransitionMaxSteps: 10,
		SeenWindowSize:         100,
	}
}

func newTestServer(t *testing.T) (*Server, *fakeAdapter) {
	t.Helper()
	store, err := persistence.Open(context.Background(), ":memory:", persistence.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := channels.NewRegistry()
	adapter := &fakeAdapter{mu: make(chan struct{}, 10)}
	registry.Put("bot1", channels.PlatformTelegram, adapter)

	g := &scenario.Graph{
		StartStepID: "welcome",
		Steps: map[string]*scenario.Step{
			"welcome": {ID: "welcome", Type: scenario.StepTypeMessage, Message: "hi", Terminal: true},
		},
	}
	if err := scenario.ValidateGraph(g, scenario.NewActionRegistry()); err != nil {
		t.Fatalf("ValidateGraph: %v", err)
	}
	data, err := scenario.Encode(g)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := store.UpsertBot(context.Background(), persistence.Bot{ID: "bot1", AccountID: "acct", Name: "bot1", Active: true}); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}
	if err := store.SaveScenario(context.Background(), "bot1", "s1", 1, data); err != nil {
		t.Fatalf("SaveScenario: %v", err)
	}
	if err := store.ActivateScenario(context.Background(), "bot1", 1); err != nil {
		t.Fatalf("ActivateScenario: %v", err)
	}

	mediaMgr := media.NewManager(store, nil)
	actions := scenario.NewActionRegistry()
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	mgr := dialog.NewManager(store, registry, mediaMgr, actions, testConfig(), nil, nil, tracer)

	srv := NewServer(config.IntakeConfig{WorkerCount: 2, MaxQueueDepth: 4}, testConfig(), mgr, nil, nil, tracer)
	srv.Start(context.Background(), 2)
	t.Cleanup(srv.Stop)
	return srv, adapter
}

func chatEvent(updateID string) []byte {
	b, _ := json.Marshal(channels.Event{
		Kind:        channels.EventKindCommand,
		Chat:        channels.ChatRef{BotID: "bot1", Platform: channels.PlatformTelegram, PlatformChatID: "555"},
		RawUpdateID: updateID,
		Command:     "start",
	})
	return b
}

func TestHandleWebhook_AcksImmediatelyAndProcessesAsync(t *testing.T) {
	srv, adapter := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram/bot1", strings.NewReader(string(chatEvent("1"))))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case <-adapter.mu:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never processed by a worker")
	}

	if len(adapter.texts) != 1 || adapter.texts[0] != "hi" {
		t.Fatalf("unexpected sent texts: %v", adapter.texts)
	}
}

func TestHandleWebhook_MissingBotID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram/", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound && w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400/404 for missing bot id, got %d", w.Code)
	}
}

func TestHandleWebhook_QueueFullRejectsWithBusy(t *testing.T) {
	store, err := persistence.Open(context.Background(), ":memory:", persistence.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	registry := channels.NewRegistry()
	adapter := &fakeAdapter{} // unbuffered send path; no reader to drain it
	registry.Put("bot1", channels.PlatformTelegram, adapter)

	mediaMgr := media.NewManager(store, nil)
	actions := scenario.NewActionRegistry()
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	mgr := dialog.NewManager(store, registry, mediaMgr, actions, testConfig(), nil, nil, tracer)

	// Zero workers: nothing ever drains the queue, so it saturates
	// immediately and every request after capacity is exhausted gets 503.
	srv := NewServer(config.IntakeConfig{WorkerCount: 0, MaxQueueDepth: 1}, testConfig(), mgr, nil, nil, tracer)

	ok := 0
	busy := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram/bot1", strings.NewReader(string(chatEvent("x"))))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusServiceUnavailable:
			busy++
		default:
			t.Fatalf("unexpected status %d", w.Code)
		}
	}

	if busy == 0 {
		t.Fatal("expected at least one request to be rejected once the queue saturated")
	}
}

func TestHandleHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
