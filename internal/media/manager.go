// Package media implements the Media Manager: resolving a scenario's media
// references to platform-native file ids, uploading-and-caching the mapping
// on first use, and falling back to text when a platform send fails
// (spec.md §4.5).
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/persistence"
)

// Resolved is one media item ready to hand to an Adapter: either an
// already-known platform file id (fast path) or raw bytes that still need
// uploading.
type Resolved struct {
	Type          string
	Description   string
	LogicalFileID string
	FileID        string
	Bytes         []byte
	Mime          string
}

// Manager resolves scenario MediaRefs to Adapter-ready items and writes
// back newly-learned platform file ids under a per-asset lock, so a
// concurrent resolve for the same asset never races the write-back.
type Manager struct {
	store  *persistence.Store
	logger *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex // key: bot_id + "\x00" + logical_file_id
}

// NewManager returns a Media Manager backed by store.
func NewManager(store *persistence.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) assetLock(botID, logicalFileID string) *sync.Mutex {
	key := botID + "\x00" + logicalFileID
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Resolve looks up a MediaAsset by its bot-scoped logical file id and
// returns it ready to send: the cached platform file id if one exists for
// this platform, or the asset's raw bytes for a first-time upload.
func (m *Manager) Resolve(ctx context.Context, botID string, platform channels.Platform, ref MediaRef) (Resolved, error) {
	asset, err := m.store.GetMediaAsset(ctx, botID, ref.LogicalFileID)
	if err != nil {
		return Resolved{}, fmt.Errorf("media: resolve %q: %w", ref.LogicalFileID, err)
	}

	res := Resolved{Type: ref.Type, Description: ref.Description, LogicalFileID: ref.LogicalFileID, Mime: asset.Mime}
	if fileID, ok := asset.PlatformIDs[string(platform)]; ok && fileID != "" {
		res.FileID = fileID
		return res, nil
	}

	data, err := os.ReadFile(asset.BytesRef)
	if err != nil {
		return Resolved{}, fmt.Errorf("media: read bytes for %q: %w", ref.LogicalFileID, err)
	}
	res.Bytes = data
	return res, nil
}

// CommitSent records a platform file id learned from a successful send,
// under the asset's own lock so two goroutines resolving the same asset at
// once don't both attempt the write-back; SetPlatformFileID itself is
// idempotent (write-once), the lock only avoids redundant upload races.
func (m *Manager) CommitSent(ctx context.Context, botID string, platform channels.Platform, logicalFileID, fileID string) error {
	if fileID == "" {
		return nil
	}
	lock := m.assetLock(botID, logicalFileID)
	lock.Lock()
	defer lock.Unlock()

	_, err := m.store.SetPlatformFileID(ctx, botID, logicalFileID, string(platform), fileID)
	if err != nil {
		return fmt.Errorf("media: commit file id for %q: %w", logicalFileID, err)
	}
	return nil
}

// MediaRef is the subset of scenario.MediaRef the Media Manager needs to
// resolve an asset; kept separate from scenario.MediaRef so this package
// doesn't need to import the scenario graph just for one struct shape.
type MediaRef struct {
	Type          string
	Description   string
	LogicalFileID string
}

// Send resolves every item in refs, sends them through adapter as a single
// item or an ordered group, commits any newly-learned file ids, and
// returns the message ids produced. On a group failure it downgrades to
// individual sends in input order (spec.md §4.5 point 5); the first item
// that also fails individually stops the loop, its index is reported in
// the error, and the items after it are not sent. FallbackText renders a
// text stand-in for an item that cannot be sent.
func (m *Manager) Send(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, refs []MediaRef, text string, buttons []channels.Button) ([]channels.MessageID, error) {
	if len(refs) == 0 {
		return nil, errors.New("media: no references to send")
	}

	platform := chat.Platform
	resolved := make([]Resolved, 0, len(refs))
	for _, ref := range refs {
		r, err := m.Resolve(ctx, chat.BotID, platform, ref)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, r)
	}

	items := make([]channels.MediaItem, len(resolved))
	for i, r := range resolved {
		items[i] = channels.MediaItem{Type: r.Type, Description: r.Description, FileID: r.FileID, Bytes: r.Bytes, Mime: r.Mime}
	}

	sent, err := adapter.SendMedia(ctx, chat, items, text, buttons)
	if err == nil {
		return m.commitAndCollect(ctx, chat.BotID, platform, resolved, sent), nil
	}

	if len(resolved) == 1 {
		return nil, err
	}

	// Group partially or fully failed: downgrade to individual sends,
	// preserving input order, reporting the first failed index.
	m.logger.Warn("media group send failed, downgrading to individual sends", "bot_id", chat.BotID, "err", err)
	ids := make([]channels.MessageID, 0, len(resolved))
	for i, r := range resolved {
		caption := ""
		if i == 0 {
			caption = text
		}
		item := channels.MediaItem{Type: r.Type, Description: r.Description, FileID: r.FileID, Bytes: r.Bytes, Mime: r.Mime}
		single, sendErr := adapter.SendMedia(ctx, chat, []channels.MediaItem{item}, caption, buttons)
		if sendErr != nil {
			return ids, fmt.Errorf("media: item %d (%s) failed after group downgrade: %w", i, r.LogicalFileID, sendErr)
		}
		ids = append(ids, m.commitAndCollect(ctx, chat.BotID, platform, resolved[i:i+1], single)...)
	}
	return ids, nil
}

func (m *Manager) commitAndCollect(ctx context.Context, botID string, platform channels.Platform, resolved []Resolved, sent []channels.SentMedia) []channels.MessageID {
	ids := make([]channels.MessageID, 0, len(sent))
	for i, s := range sent {
		ids = append(ids, s.MessageID)
		if i < len(resolved) && resolved[i].FileID == "" {
			if err := m.CommitSent(ctx, botID, platform, resolved[i].LogicalFileID, string(s.FileID)); err != nil {
				m.logger.Error("failed to commit platform file id", "bot_id", botID, "logical_file_id", resolved[i].LogicalFileID, "err", err)
			}
		}
	}
	return ids
}

// FallbackText renders a text-only stand-in for a media item that could
// not be sent, prefixing the message with the item's description
// (spec.md §4.5 point 4).
func FallbackText(ref MediaRef, originalText string) string {
	if ref.Description == "" {
		return originalText
	}
	if originalText == "" {
		return ref.Description
	}
	return ref.Description + "\n" + originalText
}
