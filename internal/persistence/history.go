package persistence

import (
	"context"
	"time"
)

// MessageType enumerates DialogHistoryEntry.message_type.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeBot    MessageType = "bot"
	MessageTypeSystem MessageType = "system"
)

// HistoryEntry is an append-only row in a dialog's event log. Seq is
// strictly increasing per dialog (spec.md invariant 4), assigned by
// writeHistory as one more than the dialog's current highest seq.
type HistoryEntry struct {
	DialogID    string
	Seq         int64
	MessageType MessageType
	Payload     string
	Ts          time.Time
}

type historyWrite struct {
	entry HistoryEntry
}

// AppendHistory enqueues a history entry for asynchronous, ordered
// persistence. It returns once the entry is queued, not once it is durable
// (spec.md §4.2: "non-blocking for the caller; buffered"). The Dialog
// Manager holds the conversation lock across the call, so entries for one
// dialog are always enqueued in event order; historyWriter preserves that
// order by processing the channel single-threaded.
func (s *Store) AppendHistory(ctx context.Context, dialogID string, messageType MessageType, payload string) {
	entry := HistoryEntry{DialogID: dialogID, MessageType: messageType, Payload: payload, Ts: time.Now().UTC()}
	select {
	case s.historyCh <- historyWrite{entry: entry}:
	default:
		// Buffer full: write inline rather than drop a history entry, since
		// seq ordering and durability both matter more than non-blocking
		// here once the buffer is saturated.
		s.writeHistory(ctx, entry)
	}
}

// AppendHistorySync is like AppendHistory but waits for the write to land
// and returns its error, for callers (such as tests) that need the entry
// durable before going on.
func (s *Store) AppendHistorySync(ctx context.Context, dialogID string, messageType MessageType, payload string) error {
	entry := HistoryEntry{DialogID: dialogID, MessageType: messageType, Payload: payload, Ts: time.Now().UTC()}
	return s.writeHistory(ctx, entry)
}

func (s *Store) historyWriter() {
	for {
		select {
		case <-s.closeOnce:
			return
		case hw := <-s.historyCh:
			if err := s.writeHistory(context.Background(), hw.entry); err != nil {
				s.logger.Error("history write failed", "dialog_id", hw.entry.DialogID, "error", err)
			}
		}
	}
}

func (s *Store) writeHistory(ctx context.Context, entry HistoryEntry) error {
	return retryOnBusy(ctx, 3, func() error {
		var nextSeq int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM dialog_history WHERE dialog_id = ?;
		`, entry.DialogID).Scan(&nextSeq)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO dialog_history (dialog_id, seq, message_type, payload, ts)
			VALUES (?, ?, ?, ?, ?);
		`, entry.DialogID, nextSeq, string(entry.MessageType), entry.Payload, fmtTime(entry.Ts))
		return err
	})
}

// ListHistory returns history entries for a dialog in seq order, newest
// last, optionally limited to the most recent limit entries (0 = all).
func (s *Store) ListHistory(ctx context.Context, dialogID string, limit int) ([]HistoryEntry, error) {
	var (
		query string
		args  []any
	)
	if limit > 0 {
		query = `SELECT dialog_id, seq, message_type, payload, ts FROM (
			SELECT dialog_id, seq, message_type, payload, ts FROM dialog_history
			WHERE dialog_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC;`
		args = []any{dialogID, limit}
	} else {
		query = `SELECT dialog_id, seq, message_type, payload, ts FROM dialog_history
			WHERE dialog_id = ? ORDER BY seq ASC;`
		args = []any{dialogID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var ts string
		var mt string
		if err := rows.Scan(&e.DialogID, &e.Seq, &mt, &e.Payload, &ts); err != nil {
			return nil, err
		}
		e.MessageType = MessageType(mt)
		e.Ts = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
