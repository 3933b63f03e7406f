// Package channels implements the Platform Adapter: a thin, uniform
// contract over a messaging platform's webhook payload shape and send
// API, so the Dialog Manager never imports a platform SDK directly.
package channels

import (
	"context"
	"time"
)

// Platform names a supported messaging platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
)

// ChatRef identifies a conversation: one bot's view of one chat on one
// platform.
type ChatRef struct {
	BotID          string
	Platform       Platform
	PlatformChatID string
}

// Button is one inline reply option attached to an outgoing message.
type Button struct {
	Text  string
	Value string
}

// MediaItem is one piece of media to send. Exactly one of FileID (an
// already-uploaded platform-native file id) or Bytes (fresh upload data)
// should be set; the Media Manager resolves this before the adapter is
// called (spec.md §4.5).
type MediaItem struct {
	Type        string // "image", "document"
	Description string
	FileID      string
	Bytes       []byte
	Mime        string
}

// MessageID is a platform-native sent-message identifier, opaque to the
// Dialog Manager.
type MessageID string

// SentMedia reports the result of sending one media item: the message it
// landed in, and — when the platform hands one back — the file id that
// now makes this content reusable without re-uploading. The Media
// Manager caches FileID against the item's logical_file_id so a later
// send of the same asset needs no bytes at all.
type SentMedia struct {
	MessageID MessageID
	FileID    PlatformFileID
}

// PlatformFileID is a platform-native uploaded-file identifier.
type PlatformFileID string

// WebhookOptions configures webhook registration.
type WebhookOptions struct {
	SecretToken    string
	AllowedUpdates []string
	MaxConnections int
}

// WebhookInfo reports a platform's current webhook registration and
// delivery health, used by the health-check scheduler to detect drift.
type WebhookInfo struct {
	URL          string
	PendingCount int
	LastErrorAt  time.Time
	LastError    string
}

// EventKind discriminates an inbound Event.
type EventKind string

const (
	EventKindText    EventKind = "text_message"
	EventKindButton  EventKind = "button_press"
	EventKindCommand EventKind = "command"
	EventKindUnknown EventKind = "unknown"
)

// Event is one inbound update, normalized out of a platform's raw
// webhook payload shape (spec.md §4.1's TextMessage/ButtonPress/Command/
// Unknown sum type).
type Event struct {
	Kind EventKind

	Chat ChatRef

	// RawUpdateID is the platform's own update identifier, used for
	// idempotency/ordering by the Dialog Manager.
	RawUpdateID string

	// SenderPlatformUserID identifies the sending user on the platform,
	// independent of ChatRef (a chat and its sender coincide in 1:1 DMs
	// but not necessarily in group chats).
	SenderPlatformUserID string

	Text        string // EventKindText, EventKindCommand's trailing args
	ButtonValue string // EventKindButton
	Command     string // EventKindCommand, without its leading slash
}

// Adapter abstracts one messaging platform integration: parsing inbound
// webhook payloads into Events, sending text/media/buttons out, and
// managing webhook registration (spec.md §4.1).
type Adapter interface {
	Name() string

	ParseEvent(raw []byte) (Event, error)

	SendText(ctx context.Context, chat ChatRef, text string, buttons []Button) (MessageID, error)
	SendMedia(ctx context.Context, chat ChatRef, items []MediaItem, text string, buttons []Button) ([]SentMedia, error)
	UploadMedia(ctx context.Context, data []byte, mime string) (PlatformFileID, error)

	SetWebhook(ctx context.Context, url string, opts WebhookOptions) error
	GetWebhookInfo(ctx context.Context) (WebhookInfo, error)
	DeleteWebhook(ctx context.Context) error
}

// Registry maps a bot's configured platform to its live Adapter
// instance. One Adapter instance is created per (bot, platform)
// credential since each carries its own token.
type Registry struct {
	adapters map[string]Adapter // key: bot_id + "\x00" + platform
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func registryKey(botID string, platform Platform) string {
	return botID + "\x00" + string(platform)
}

// Put registers (or replaces) the adapter for a bot's platform.
func (r *Registry) Put(botID string, platform Platform, a Adapter) {
	r.adapters[registryKey(botID, platform)] = a
}

// Get returns the adapter for a bot's platform, or false if that
// platform is not registered — an unregistered platform is a
// non-fatal "platform not supported" condition at webhook intake, not
// a crash (spec.md §3.1 non-goals: unimplemented adapters are
// documented extension points, not implemented).
func (r *Registry) Get(botID string, platform Platform) (Adapter, bool) {
	a, ok := r.adapters[registryKey(botID, platform)]
	return a, ok
}

// Remove drops a bot's platform adapter, e.g. after a credential is
// deleted or a bot is deactivated.
func (r *Registry) Remove(botID string, platform Platform) {
	delete(r.adapters, registryKey(botID, platform))
}

// All returns every registered adapter, for the health-check scheduler
// to sweep.
func (r *Registry) All() map[string]Adapter {
	out := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		out[k] = v
	}
	return out
}
