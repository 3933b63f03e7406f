package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DialogState is the per-conversation record described in spec.md §3. It is
// mutated only by the Dialog Manager, one field-level patch at a time via
// Update's optimistic-concurrency check on Version.
type DialogState struct {
	ID               string
	BotID            string
	Platform         string
	PlatformChatID   string
	ScenarioID       string
	ScenarioVersion  int
	CurrentStepID    string
	CollectedData    map[string]any
	CreatedAt        time.Time
	LastInteractionAt time.Time
	Version          int
}

// StatePatch describes the fields Update may change. A nil pointer/map
// leaves the corresponding column untouched.
type StatePatch struct {
	CurrentStepID *string
	CollectedData map[string]any // replaces the whole map when non-nil
}

// Get loads a dialog state, preferring the write-through cache.
func (s *Store) Get(ctx context.Context, botID, platform, platformChatID string) (DialogState, error) {
	key := cacheKey(botID, platform, platformChatID)
	if st, ok := s.cache.get(key); ok {
		return st, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, platform, platform_chat_id, scenario_id, scenario_version,
		       current_step_id, collected_data, created_at, last_interaction_at, version
		FROM dialog_states WHERE bot_id = ? AND platform = ? AND platform_chat_id = ?;
	`, botID, platform, platformChatID)

	st, err := scanDialogState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DialogState{}, ErrNotFound
		}
		return DialogState{}, err
	}

	s.cache.put(key, st)
	return st, nil
}

// Create inserts a new DialogState pinned to the scenario version active at
// creation time (Open Question #1 resolution: dialogs keep running under
// the version they began with even if the scenario is later deactivated).
// Fails with ErrAlreadyExists if one already exists for the triple.
func (s *Store) Create(ctx context.Context, botID, platform, platformChatID, scenarioID string, scenarioVersion int, initialStep string, initialData map[string]any) (DialogState, error) {
	if initialData == nil {
		initialData = map[string]any{}
	}
	data, err := json.Marshal(initialData)
	if err != nil {
		return DialogState{}, fmt.Errorf("marshal collected_data: %w", err)
	}

	now := time.Now().UTC()
	st := DialogState{
		ID:                uuid.NewString(),
		BotID:             botID,
		Platform:          platform,
		PlatformChatID:    platformChatID,
		ScenarioID:        scenarioID,
		ScenarioVersion:   scenarioVersion,
		CurrentStepID:     initialStep,
		CollectedData:     initialData,
		CreatedAt:         now,
		LastInteractionAt: now,
		Version:           1,
	}

	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO dialog_states
				(id, bot_id, platform, platform_chat_id, scenario_id, scenario_version,
				 current_step_id, collected_data, created_at, last_interaction_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, st.ID, st.BotID, st.Platform, st.PlatformChatID, st.ScenarioID, st.ScenarioVersion,
			st.CurrentStepID, string(data), fmtTime(now), fmtTime(now), st.Version)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return DialogState{}, ErrAlreadyExists
		}
		return DialogState{}, err
	}

	s.cache.put(cacheKey(botID, platform, platformChatID), st)
	return st, nil
}

// Update applies patch to the dialog state identified by (botID, platform,
// platformChatID) with optimistic concurrency on expectedVersion, bumping
// version and last_interaction_at. The cache entry is invalidated before
// the write is acknowledged to the caller and immediately refilled with the
// new value, so the next Get in the same conversation (guaranteed
// serialized by the Dialog Manager's per-conversation lock) never observes
// a stale row.
func (s *Store) Update(ctx context.Context, botID, platform, platformChatID string, expectedVersion int, patch StatePatch) (DialogState, error) {
	key := cacheKey(botID, platform, platformChatID)
	s.cache.invalidate(key)

	now := time.Now().UTC()
	var newStepID sql.NullString
	if patch.CurrentStepID != nil {
		newStepID = sql.NullString{String: *patch.CurrentStepID, Valid: true}
	}
	var newData sql.NullString
	if patch.CollectedData != nil {
		b, err := json.Marshal(patch.CollectedData)
		if err != nil {
			return DialogState{}, fmt.Errorf("marshal collected_data: %w", err)
		}
		newData = sql.NullString{String: string(b), Valid: true}
	}

	var rowsAffected int64
	err := retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE dialog_states SET
				current_step_id = COALESCE(?, current_step_id),
				collected_data  = COALESCE(?, collected_data),
				last_interaction_at = ?,
				version = version + 1
			WHERE bot_id = ? AND platform = ? AND platform_chat_id = ? AND version = ?;
		`, nullableStr(newStepID), nullableStr(newData), fmtTime(now),
			botID, platform, platformChatID, expectedVersion)
		if execErr != nil {
			return execErr
		}
		rowsAffected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return DialogState{}, err
	}
	if rowsAffected == 0 {
		return DialogState{}, ErrConflict
	}

	st, err := s.Get(ctx, botID, platform, platformChatID)
	if err != nil {
		return DialogState{}, err
	}
	s.cache.put(key, st)
	return st, nil
}

// Delete removes the dialog state and cascades its history (the
// dialog_history FK is ON DELETE CASCADE; spec.md's "soft: history may be
// archived" policy is left to an external retention job, not this call).
func (s *Store) Delete(ctx context.Context, botID, platform, platformChatID string) error {
	s.cache.invalidate(cacheKey(botID, platform, platformChatID))
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dialog_states WHERE bot_id = ? AND platform = ? AND platform_chat_id = ?;
	`, botID, platform, platformChatID)
	return err
}

func scanDialogState(row *sql.Row) (DialogState, error) {
	var st DialogState
	var data, createdAt, lastInteraction string
	var scenarioID sql.NullString
	var scenarioVersion sql.NullInt64

	if err := row.Scan(&st.ID, &st.BotID, &st.Platform, &st.PlatformChatID, &scenarioID, &scenarioVersion,
		&st.CurrentStepID, &data, &createdAt, &lastInteraction, &st.Version); err != nil {
		return DialogState{}, err
	}
	st.ScenarioID = scenarioID.String
	st.ScenarioVersion = int(scenarioVersion.Int64)
	st.CreatedAt = parseTime(createdAt)
	st.LastInteractionAt = parseTime(lastInteraction)
	if err := json.Unmarshal([]byte(data), &st.CollectedData); err != nil {
		return DialogState{}, fmt.Errorf("unmarshal collected_data: %w", err)
	}
	return st, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableStr(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
