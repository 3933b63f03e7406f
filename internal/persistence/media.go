package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MediaAsset is spec.md §3's media record: a bot-scoped logical file id
// resolved lazily to a platform-native file id per platform, written once.
type MediaAsset struct {
	ID            string
	BotID         string
	LogicalFileID string
	Mime          string
	BytesRef      string
	PlatformIDs   map[string]string
	CreatedAt     time.Time
}

// CreateMediaAsset registers a new asset under a bot. logical_file_id must
// be unique per bot (spec.md invariant 5) and is immutable thereafter.
func (s *Store) CreateMediaAsset(ctx context.Context, botID, logicalFileID, mime, bytesRef string) (MediaAsset, error) {
	a := MediaAsset{
		ID:            uuid.NewString(),
		BotID:         botID,
		LogicalFileID: logicalFileID,
		Mime:          mime,
		BytesRef:      bytesRef,
		PlatformIDs:   map[string]string{},
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_assets (id, bot_id, logical_file_id, mime, bytes_ref, platform_ids, created_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?);
	`, a.ID, a.BotID, a.LogicalFileID, a.Mime, a.BytesRef, fmtTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return MediaAsset{}, ErrAlreadyExists
		}
		return MediaAsset{}, err
	}
	return a, nil
}

// GetMediaAsset loads an asset by its bot-scoped logical file id.
func (s *Store) GetMediaAsset(ctx context.Context, botID, logicalFileID string) (MediaAsset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, logical_file_id, mime, bytes_ref, platform_ids, created_at
		FROM media_assets WHERE bot_id = ? AND logical_file_id = ?;
	`, botID, logicalFileID)
	return scanMediaAsset(row)
}

// SetPlatformFileID writes the native file id for (asset, platform) only if
// one is not already recorded, enforcing "once platform_ids[P] is set, it
// is never overwritten" (spec.md testable property, §8). The write is
// durable before returning, which is the invariant the Media Manager
// depends on for cross-process/cross-goroutine visibility (spec.md §4.5).
// Returns false, nil if a value was already present (the caller should use
// the existing one, not treat this as an error).
func (s *Store) SetPlatformFileID(ctx context.Context, botID, logicalFileID, platform, fileID string) (written bool, err error) {
	err = retryOnBusy(ctx, 3, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE media_assets
			SET platform_ids = json_set(platform_ids, '$.' || ?, ?)
			WHERE bot_id = ? AND logical_file_id = ?
			  AND json_extract(platform_ids, '$.' || ?) IS NULL;
		`, platform, fileID, botID, logicalFileID, platform)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		written = n > 0
		return nil
	})
	return written, err
}

func scanMediaAsset(row *sql.Row) (MediaAsset, error) {
	var a MediaAsset
	var platformIDs, createdAt string
	if err := row.Scan(&a.ID, &a.BotID, &a.LogicalFileID, &a.Mime, &a.BytesRef, &platformIDs, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MediaAsset{}, ErrNotFound
		}
		return MediaAsset{}, err
	}
	a.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(platformIDs), &a.PlatformIDs); err != nil {
		return MediaAsset{}, err
	}
	return a, nil
}
