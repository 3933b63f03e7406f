package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(context.Background(), ":memory:", persistence.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTempAsset(t *testing.T, store *persistence.Store, botID, logicalID string) {
	t.Helper()
	if err := store.UpsertBot(context.Background(), persistence.Bot{ID: botID, AccountID: "acct", Name: botID, Active: true}); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "asset.bin")
	if err := os.WriteFile(path, []byte("image-bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := store.CreateMediaAsset(context.Background(), botID, logicalID, "image/png", path); err != nil {
		t.Fatalf("CreateMediaAsset: %v", err)
	}
}

type fakeAdapter struct {
	sendMedia func(items []channels.MediaItem) ([]channels.SentMedia, error)
	calls     [][]channels.MediaItem
}

func (f *fakeAdapter) Name() string                                    { return "fake" }
func (f *fakeAdapter) ParseEvent(raw []byte) (channels.Event, error)   { return channels.Event{}, nil }
func (f *fakeAdapter) SendText(ctx context.Context, chat channels.ChatRef, text string, buttons []channels.Button) (channels.MessageID, error) {
	return "", nil
}
func (f *fakeAdapter) SendMedia(ctx context.Context, chat channels.ChatRef, items []channels.MediaItem, text string, buttons []channels.Button) ([]channels.SentMedia, error) {
	f.calls = append(f.calls, items)
	return f.sendMedia(items)
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

func TestResolve_UsesCachedPlatformFileIDWhenPresent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writeTempAsset(t, store, "bot1", "logo")
	if _, err := store.SetPlatformFileID(ctx, "bot1", "logo", "telegram", "tg123"); err != nil {
		t.Fatalf("SetPlatformFileID: %v", err)
	}

	m := NewManager(store, nil)
	res, err := m.Resolve(ctx, "bot1", channels.PlatformTelegram, MediaRef{Type: "image", LogicalFileID: "logo"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.FileID != "tg123" {
		t.Fatalf("expected cached file id, got %q", res.FileID)
	}
	if res.Bytes != nil {
		t.Fatalf("expected no bytes read when file id already cached")
	}
}

func TestResolve_ReadsBytesWhenNoPlatformFileID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writeTempAsset(t, store, "bot1", "logo")

	m := NewManager(store, nil)
	res, err := m.Resolve(ctx, "bot1", channels.PlatformTelegram, MediaRef{Type: "image", LogicalFileID: "logo"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.FileID != "" {
		t.Fatalf("expected no cached file id, got %q", res.FileID)
	}
	if string(res.Bytes) != "image-bytes" {
		t.Fatalf("unexpected bytes: %q", res.Bytes)
	}
}

func TestSend_SingleItemCommitsLearnedFileID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writeTempAsset(t, store, "bot1", "logo")

	adapter := &fakeAdapter{sendMedia: func(items []channels.MediaItem) ([]channels.SentMedia, error) {
		return []channels.SentMedia{{MessageID: "m1", FileID: "tg-new"}}, nil
	}}
	m := NewManager(store, nil)
	chat := channels.ChatRef{BotID: "bot1", Platform: channels.PlatformTelegram, PlatformChatID: "555"}

	ids, err := m.Send(ctx, adapter, chat, []MediaRef{{Type: "image", LogicalFileID: "logo"}}, "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("unexpected ids: %+v", ids)
	}

	asset, err := store.GetMediaAsset(ctx, "bot1", "logo")
	if err != nil {
		t.Fatalf("GetMediaAsset: %v", err)
	}
	if asset.PlatformIDs["telegram"] != "tg-new" {
		t.Fatalf("expected committed file id, got %+v", asset.PlatformIDs)
	}
}

func TestSend_GroupDowngradesToIndividualSendsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writeTempAsset(t, store, "bot1", "a")
	writeTempAsset(t, store, "bot1", "b")

	calls := 0
	adapter := &fakeAdapter{sendMedia: func(items []channels.MediaItem) ([]channels.SentMedia, error) {
		calls++
		if len(items) > 1 {
			return nil, errors.New("media group rejected")
		}
		return []channels.SentMedia{{MessageID: channels.MessageID(strconv.Itoa(calls)), FileID: channels.PlatformFileID("tg-" + strconv.Itoa(calls))}}, nil
	}}
	m := NewManager(store, nil)
	chat := channels.ChatRef{BotID: "bot1", Platform: channels.PlatformTelegram, PlatformChatID: "555"}

	ids, err := m.Send(ctx, adapter, chat, []MediaRef{{Type: "image", LogicalFileID: "a"}, {Type: "image", LogicalFileID: "b"}}, "caption", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids after downgrade, got %d", len(ids))
	}
	if len(adapter.calls) != 3 {
		t.Fatalf("expected 1 group attempt + 2 individual sends, got %d calls", len(adapter.calls))
	}
}

func TestFallbackText_PrefixesDescription(t *testing.T) {
	got := FallbackText(MediaRef{Description: "a chart"}, "here you go")
	if got != "a chart\nhere you go" {
		t.Fatalf("unexpected fallback text: %q", got)
	}
	if FallbackText(MediaRef{}, "here you go") != "here you go" {
		t.Fatalf("expected unchanged text when no description")
	}
}
