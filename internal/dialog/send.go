package dialog

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/dialogengine/dialogengine/internal/channels"
	"github.com/dialogengine/dialogengine/internal/media"
	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
)

func toChannelButtons(buttons []scenario.Button) []channels.Button {
	if len(buttons) == 0 {
		return nil
	}
	out := make([]channels.Button, len(buttons))
	for i, b := range buttons {
		out[i] = channels.Button{Text: b.Text, Value: b.Value}
	}
	return out
}

// sendStep sends one rendered step's output, routing through the Media
// Manager when the step carries media and falling back to a text-only
// send (spec.md §4.5 point 4) when the media send exhausts its retries.
// The returned text is what was actually delivered — the rendered text
// on the normal path, the description-prefixed fallback otherwise — so
// the caller's bot-history entry matches the wire.
func (m *Manager) sendStep(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, dialogID string, res scenario.StepResult) ([]channels.MessageID, string, error) {
	buttons := toChannelButtons(res.Buttons)

	if len(res.Media) == 0 {
		id, err := m.retrySendText(ctx, adapter, chat, res.Text, buttons)
		if err != nil {
			return nil, "", err
		}
		return []channels.MessageID{id}, res.Text, nil
	}

	refs := media.FromScenarioRefs(res.Media)
	ids, err := m.retrySendMedia(ctx, adapter, chat, refs, res.Text, buttons)
	if err == nil {
		return ids, res.Text, nil
	}

	m.logger.Warn("media send exhausted retries, falling back to text", "bot_id", chat.BotID, "chat_id", chat.PlatformChatID, "err", err)
	m.metrics.MediaUploadErrors.Add(ctx, 1)
	m.store.AppendHistory(ctx, dialogID, persistence.MessageTypeSystem, "MediaUploadFailed: "+err.Error())
	fallback := res.Text
	for _, r := range refs {
		fallback = media.FallbackText(r, fallback)
	}
	id, textErr := m.retrySendText(ctx, adapter, chat, fallback, buttons)
	if textErr != nil {
		return nil, "", textErr
	}
	return []channels.MessageID{id}, fallback, nil
}

// retrySendText retries a text send across transient adapter failures up
// to cfg.MaxSendRetries times with jittered backoff (same shape as
// persistence.retryOnBusy), stopping immediately on a non-retryable
// AdapterError kind.
func (m *Manager) retrySendText(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, text string, buttons []channels.Button) (channels.MessageID, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxSendRetries; attempt++ {
		if attempt > 0 {
			m.metrics.SendRetries.Add(ctx, 1)
			if err := sleepOrDone(ctx, sendBackoff(attempt)); err != nil {
				return "", newEngineError(KindTimeout, "send_text", err)
			}
		}
		m.metrics.SendAttempts.Add(ctx, 1)
		id, err := adapter.SendText(ctx, chat, text, buttons)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", classifySendErr("send_text", err, m)
		}
	}
	return "", newEngineError(KindTransient, "send_text", lastErr)
}

// retrySendMedia mirrors retrySendText for the Media Manager's group-aware send.
func (m *Manager) retrySendMedia(ctx context.Context, adapter channels.Adapter, chat channels.ChatRef, refs []media.MediaRef, text string, buttons []channels.Button) ([]channels.MessageID, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxSendRetries; attempt++ {
		if attempt > 0 {
			m.metrics.SendRetries.Add(ctx, 1)
			if err := sleepOrDone(ctx, sendBackoff(attempt)); err != nil {
				return nil, newEngineError(KindTimeout, "send_media", err)
			}
		}
		m.metrics.SendAttempts.Add(ctx, 1)
		ids, err := m.media.Send(ctx, adapter, chat, refs, text, buttons)
		if err == nil {
			return ids, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, classifySendErr("send_media", err, m)
		}
	}
	return nil, newEngineError(KindTransient, "send_media", lastErr)
}

func isRetryable(err error) bool {
	var aerr *channels.AdapterError
	if errors.As(err, &aerr) {
		return aerr.Kind == channels.AdapterTransient
	}
	// An unclassified error from outside the adapter boundary (context
	// deadline, media bytes read failure) is not worth retrying blind.
	return false
}

func classifySendErr(op string, err error, m *Manager) *EngineError {
	var aerr *channels.AdapterError
	if errors.As(err, &aerr) {
		switch aerr.Kind {
		case channels.AdapterUnauthorized:
			return newEngineError(KindUnauthorized, op, err)
		case channels.AdapterInvalidInput:
			return newEngineError(KindInvalidInput, op, err)
		}
	}
	return newEngineError(KindTransient, op, err)
}

func sendBackoff(attempt int) time.Duration {
	return time.Duration(20+rand.IntN(40)) * time.Millisecond * time.Duration(attempt)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
