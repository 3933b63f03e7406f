package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ScenarioRow is the stored form of a scenario graph (spec.md §3):
// `{id, bot_id, version, active, graph}`. GraphJSON is the wire format
// from §6, round-tripped verbatim through internal/scenario.Decode/Encode.
type ScenarioRow struct {
	ID        string
	BotID     string
	Version   int
	Active    bool
	GraphJSON []byte
	CreatedAt time.Time
}

// SaveScenario inserts a new, inactive scenario version. Scenarios are
// immutable once stored (spec.md lifecycle: "a new version is a new row");
// activation is a separate step via ActivateScenario.
func (s *Store) SaveScenario(ctx context.Context, botID, id string, version int, graph []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, bot_id, version, active, graph_json, created_at)
		VALUES (?, ?, ?, 0, ?, ?);
	`, id, botID, version, string(graph), fmtTime(time.Now().UTC()))
	return err
}

// ActivateScenario atomically deactivates any currently-active scenario for
// botID and activates the named version, enforcing "at most one active
// scenario per bot" (invariant 3 of spec.md §3). Already-created
// DialogStates are pinned to the scenario_version they began with and are
// unaffected by this call (Open Question #1 resolution).
func (s *Store) ActivateScenario(ctx context.Context, botID string, version int) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `UPDATE scenarios SET active = 0 WHERE bot_id = ? AND active = 1;`, botID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE scenarios SET active = 1 WHERE bot_id = ? AND version = ?;`, botID, version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// DeactivateScenario marks the active scenario for botID inactive without
// activating a replacement. Dialogs already pinned to it keep running
// (spec.md invariant 6); only new dialogs are affected (they fall back to
// quiescent "no-scenario" mode until a new scenario is activated).
func (s *Store) DeactivateScenario(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scenarios SET active = 0 WHERE bot_id = ? AND active = 1;`, botID)
	return err
}

// ActiveScenario returns the currently-active scenario for a bot, or
// ErrNotFound if none is active (quiescent mode).
func (s *Store) ActiveScenario(ctx context.Context, botID string) (ScenarioRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, version, active, graph_json, created_at
		FROM scenarios WHERE bot_id = ? AND active = 1;
	`, botID)
	return scanScenario(row)
}

// ScenarioVersion returns a specific pinned scenario version for a bot,
// used to resolve a DialogState's ScenarioVersion at step-execution time
// regardless of whether that version is still active.
func (s *Store) ScenarioVersion(ctx context.Context, botID string, version int) (ScenarioRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, version, active, graph_json, created_at
		FROM scenarios WHERE bot_id = ? AND version = ?;
	`, botID, version)
	return scanScenario(row)
}

// LatestScenarioVersion returns the highest version number stored for a
// bot, or 0 if none exists, used to assign the next version on save.
func (s *Store) LatestScenarioVersion(ctx context.Context, botID string) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM scenarios WHERE bot_id = ?;`, botID).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func scanScenario(row *sql.Row) (ScenarioRow, error) {
	var sr ScenarioRow
	var active int
	var graph, createdAt string
	if err := row.Scan(&sr.ID, &sr.BotID, &sr.Version, &active, &graph, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScenarioRow{}, ErrNotFound
		}
		return ScenarioRow{}, err
	}
	sr.Active = active != 0
	sr.GraphJSON = []byte(graph)
	sr.CreatedAt = parseTime(createdAt)
	return sr, nil
}
