package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAdapter implements Adapter on top of go-telegram-bot-api,
// scoped to one bot's credential. Unlike the teacher's TelegramChannel
// (a single long-polling loop per process, gated by a fixed allowlist),
// this adapter never polls: updates arrive through the webhook intake
// HTTP handler and are handed to ParseEvent, and access is scoped by
// which bot's credential produced this adapter instance rather than a
// per-process user allowlist, since this engine is multi-tenant.
type TelegramAdapter struct {
	botID  string
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramAdapter creates a Telegram adapter for one bot's token.
func NewTelegramAdapter(botID, token string, logger *slog.Logger) (*TelegramAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, newAdapterError(AdapterUnauthorized, "NewBotAPI", err)
	}
	return &TelegramAdapter{botID: botID, bot: bot, logger: logger}, nil
}

func (a *TelegramAdapter) Name() string { return string(PlatformTelegram) }

// ParseEvent normalizes a raw Telegram webhook POST body into an Event.
func (a *TelegramAdapter) ParseEvent(raw []byte) (Event, error) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return Event{}, newAdapterError(AdapterInvalidInput, "ParseEvent", err)
	}

	switch {
	case upd.Message != nil:
		chat := ChatRef{
			BotID:          a.botID,
			Platform:       PlatformTelegram,
			PlatformChatID: strconv.FormatInt(upd.Message.Chat.ID, 10),
		}
		senderID := ""
		if upd.Message.From != nil {
			senderID = strconv.FormatInt(upd.Message.From.ID, 10)
		}
		text := strings.TrimSpace(upd.Message.Text)
		if strings.HasPrefix(text, "/") {
			fields := strings.SplitN(text[1:], " ", 2)
			cmd := fields[0]
			args := ""
			if len(fields) > 1 {
				args = fields[1]
			}
			return Event{
				Kind: EventKindCommand, Chat: chat,
				RawUpdateID: strconv.Itoa(upd.UpdateID), SenderPlatformUserID: senderID,
				Command: cmd, Text: args,
			}, nil
		}
		return Event{
			Kind: EventKindText, Chat: chat,
			RawUpdateID: strconv.Itoa(upd.UpdateID), SenderPlatformUserID: senderID,
			Text: text,
		}, nil

	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		chatID := int64(0)
		if cb.Message != nil {
			chatID = cb.Message.Chat.ID
		}
		return Event{
			Kind: EventKindButton,
			Chat: ChatRef{
				BotID:          a.botID,
				Platform:       PlatformTelegram,
				PlatformChatID: strconv.FormatInt(chatID, 10),
			},
			RawUpdateID:          strconv.Itoa(upd.UpdateID),
			SenderPlatformUserID: strconv.FormatInt(cb.From.ID, 10),
			ButtonValue:          cb.Data,
		}, nil

	default:
		return Event{Kind: EventKindUnknown, RawUpdateID: strconv.Itoa(upd.UpdateID)}, nil
	}
}

func (a *TelegramAdapter) SendText(ctx context.Context, chat ChatRef, text string, buttons []Button) (MessageID, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if len(buttons) > 0 {
		msg.ReplyMarkup = inlineKeyboard(buttons)
	}
	sent, err := a.bot.Send(msg)
	if err != nil {
		return "", classifySendErr("SendText", err)
	}
	return MessageID(strconv.Itoa(sent.MessageID)), nil
}

// SendMedia sends 1 item as a single photo/document, or 2-10 items as a
// media group album, matching Telegram's own bounds on sendMediaGroup
// (grounded on NGOClaw's send_media_group tool, which enforces the same
// 2-10 range before calling the platform).
func (a *TelegramAdapter) SendMedia(ctx context.Context, chat ChatRef, items []MediaItem, text string, buttons []Button) ([]SentMedia, error) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, newAdapterError(AdapterInvalidInput, "SendMedia", fmt.Errorf("no media items"))
	}

	if len(items) == 1 {
		sm, err := a.sendSingleMedia(chatID, items[0], text, buttons)
		if err != nil {
			return nil, err
		}
		return []SentMedia{sm}, nil
	}

	if len(items) > 10 {
		return nil, newAdapterError(AdapterInvalidInput, "SendMedia", fmt.Errorf("media group supports at most 10 items, got %d", len(items)))
	}

	var files []any
	for i, item := range items {
		caption := ""
		if i == 0 {
			caption = text
		}
		switch item.Type {
		case "document":
			doc := tgbotapi.NewInputMediaDocument(mediaFile(item))
			doc.Caption = caption
			files = append(files, doc)
		default:
			photo := tgbotapi.NewInputMediaPhoto(mediaFile(item))
			photo.Caption = caption
			files = append(files, photo)
		}
	}

	group := tgbotapi.NewMediaGroup(chatID, files)
	sent, err := a.bot.SendMediaGroup(group)
	if err != nil {
		return nil, classifySendErr("SendMedia", err)
	}
	out := make([]SentMedia, 0, len(sent))
	for _, m := range sent {
		out = append(out, SentMedia{MessageID: MessageID(strconv.Itoa(m.MessageID)), FileID: PlatformFileID(messageFileID(m))})
	}
	return out, nil
}

func (a *TelegramAdapter) sendSingleMedia(chatID int64, item MediaItem, text string, buttons []Button) (SentMedia, error) {
	var cfg tgbotapi.Chattable
	switch item.Type {
	case "document":
		doc := tgbotapi.NewDocument(chatID, mediaFile(item))
		doc.Caption = text
		if len(buttons) > 0 {
			doc.ReplyMarkup = inlineKeyboard(buttons)
		}
		cfg = doc
	default:
		photo := tgbotapi.NewPhoto(chatID, mediaFile(item))
		photo.Caption = text
		if len(buttons) > 0 {
			photo.ReplyMarkup = inlineKeyboard(buttons)
		}
		cfg = photo
	}
	sent, err := a.bot.Send(cfg)
	if err != nil {
		return SentMedia{}, classifySendErr("SendMedia", err)
	}
	return SentMedia{MessageID: MessageID(strconv.Itoa(sent.MessageID)), FileID: PlatformFileID(messageFileID(sent))}, nil
}

// messageFileID extracts the platform file id Telegram assigned to a
// just-sent message's media, preferring the largest photo size when a
// photo carries several (Telegram always returns smallest-to-largest).
func messageFileID(m tgbotapi.Message) string {
	if m.Document != nil {
		return m.Document.FileID
	}
	if n := len(m.Photo); n > 0 {
		return m.Photo[n-1].FileID
	}
	return ""
}

func mediaFile(item MediaItem) tgbotapi.RequestFileData {
	if item.FileID != "" {
		return tgbotapi.FileID(item.FileID)
	}
	return tgbotapi.FileBytes{Name: "upload", Bytes: item.Bytes}
}

// UploadMedia always fails with an InvalidInput adapter error: Telegram has
// no standalone upload endpoint, so the first send of a logical asset IS
// the upload (the file id comes back attached to the sent message, as
// SentMedia.FileID from SendMedia). No bytes are sent by this call.
func (a *TelegramAdapter) UploadMedia(ctx context.Context, data []byte, mime string) (PlatformFileID, error) {
	return "", newAdapterError(AdapterInvalidInput, "UploadMedia", fmt.Errorf("telegram has no standalone upload endpoint; send the media once via SendMedia and record the resulting file id"))
}

func (a *TelegramAdapter) SetWebhook(ctx context.Context, url string, opts WebhookOptions) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return newAdapterError(AdapterInvalidInput, "SetWebhook", err)
	}
	if opts.MaxConnections > 0 {
		wh.MaxConnections = opts.MaxConnections
	}
	if opts.SecretToken != "" {
		wh.SecretToken = opts.SecretToken
	}
	if len(opts.AllowedUpdates) > 0 {
		wh.AllowedUpdates = opts.AllowedUpdates
	}
	if _, err := a.bot.Request(wh); err != nil {
		return classifySendErr("SetWebhook", err)
	}
	return nil
}

func (a *TelegramAdapter) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	info, err := a.bot.GetWebhookInfo()
	if err != nil {
		return WebhookInfo{}, classifySendErr("GetWebhookInfo", err)
	}
	wi := WebhookInfo{
		URL:          info.URL,
		PendingCount: info.PendingUpdateCount,
		LastError:    info.LastErrorMessage,
	}
	if info.LastErrorDate != 0 {
		wi.LastErrorAt = parseUnix(info.LastErrorDate)
	}
	return wi, nil
}

func (a *TelegramAdapter) DeleteWebhook(ctx context.Context) error {
	if _, err := a.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return classifySendErr("DeleteWebhook", err)
	}
	return nil
}

func parseUnix(sec int) time.Time { return time.Unix(int64(sec), 0).UTC() }

func parseChatID(chat ChatRef) (int64, error) {
	id, err := strconv.ParseInt(chat.PlatformChatID, 10, 64)
	if err != nil {
		return 0, newAdapterError(AdapterInvalidInput, "parseChatID", err)
	}
	return id, nil
}

func inlineKeyboard(buttons []Button) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Value))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// classifySendErr maps a tgbotapi error to an AdapterErrorKind. Telegram
// reports auth/permission failures and rate limiting through its own
// *tgbotapi.Error with an HTTP-like status code; anything else is
// treated as transient, matching the teacher's default-to-retry posture
// for unrecognized transport failures.
func classifySendErr(op string, err error) *AdapterError {
	var tgErr *tgbotapi.Error
	if asTGError(err, &tgErr) {
		switch {
		case tgErr.Code == 401 || tgErr.Code == 403:
			return newAdapterError(AdapterUnauthorized, op, err)
		case tgErr.Code == 400:
			return newAdapterError(AdapterInvalidInput, op, err)
		default:
			return newAdapterError(AdapterTransient, op, err)
		}
	}
	return newAdapterError(AdapterTransient, op, err)
}

func asTGError(err error, target **tgbotapi.Error) bool {
	if e, ok := err.(*tgbotapi.Error); ok {
		*target = e
		return true
	}
	return false
}
