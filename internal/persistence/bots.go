package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Bot is the BotInstance record from spec.md §3. Account/restaurant/user
// CRUD lives in an external collaborator; the core only reads the fields
// it needs to route and execute dialogs.
type Bot struct {
	ID        string
	AccountID string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// PlatformCredential is opaque secrets plus webhook bookkeeping for one
// (bot, platform) pair. Secrets are never parsed by the core.
type PlatformCredential struct {
	BotID              string
	Platform           string
	Secrets            string
	WebhookURL         string
	WebhookLastChecked time.Time
	AutoRefresh        bool
	Healthy            bool
}

// UpsertBot creates or updates a bot's name/account/active flag.
func (s *Store) UpsertBot(ctx context.Context, b Bot) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (id, account_id, name, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET account_id = excluded.account_id, name = excluded.name, active = excluded.active;
	`, b.ID, b.AccountID, b.Name, boolToInt(b.Active), fmtTime(now))
	return err
}

// GetBot loads a bot by id.
func (s *Store) GetBot(ctx context.Context, id string) (Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, account_id, name, active, created_at FROM bots WHERE id = ?;`, id)
	var b Bot
	var active int
	var createdAt string
	if err := row.Scan(&b.ID, &b.AccountID, &b.Name, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, err
	}
	b.Active = active != 0
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}

// UpsertCredential writes (or replaces) a bot's platform credential record.
func (s *Store) UpsertCredential(ctx context.Context, c PlatformCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_credentials (bot_id, platform, secrets, webhook_url, webhook_last_checked, auto_refresh, healthy)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bot_id, platform) DO UPDATE SET
			secrets = excluded.secrets,
			webhook_url = excluded.webhook_url,
			auto_refresh = excluded.auto_refresh;
	`, c.BotID, c.Platform, c.Secrets, c.WebhookURL, nullTime(c.WebhookLastChecked), boolToInt(c.AutoRefresh), boolToInt(c.Healthy))
	return err
}

// ListCredentials returns every stored platform credential, for populating
// the adapter Registry at startup.
func (s *Store) ListCredentials(ctx context.Context) ([]PlatformCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, platform, secrets, webhook_url, webhook_last_checked, auto_refresh, healthy
		FROM platform_credentials;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlatformCredential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCredential loads the credential for (botID, platform).
func (s *Store) GetCredential(ctx context.Context, botID, platform string) (PlatformCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bot_id, platform, secrets, webhook_url, webhook_last_checked, auto_refresh, healthy
		FROM platform_credentials WHERE bot_id = ? AND platform = ?;
	`, botID, platform)
	return scanCredential(row)
}

// ListCredentialsDueForCheck returns credentials with auto_refresh enabled
// whose webhook_last_checked is older than staleness (or unset), for the
// webhook health-check scheduler.
func (s *Store) ListCredentialsDueForCheck(ctx context.Context, staleness time.Duration) ([]PlatformCredential, error) {
	cutoff := time.Now().UTC().Add(-staleness)
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, platform, secrets, webhook_url, webhook_last_checked, auto_refresh, healthy
		FROM platform_credentials
		WHERE auto_refresh = 1 AND (webhook_last_checked IS NULL OR webhook_last_checked < ?);
	`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlatformCredential
	for rows.Next() {
		c, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkWebhookChecked stamps webhook_last_checked to now and records health.
func (s *Store) MarkWebhookChecked(ctx context.Context, botID, platform string, healthy bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_credentials SET webhook_last_checked = ?, healthy = ?
		WHERE bot_id = ? AND platform = ?;
	`, fmtTime(time.Now().UTC()), boolToInt(healthy), botID, platform)
	return err
}

// MarkCredentialUnhealthy flags a credential unhealthy after an Unauthorized
// adapter error (spec.md §7: "mark credential unhealthy; do not retry").
func (s *Store) MarkCredentialUnhealthy(ctx context.Context, botID, platform string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE platform_credentials SET healthy = 0 WHERE bot_id = ? AND platform = ?;
	`, botID, platform)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row *sql.Row) (PlatformCredential, error) {
	c, err := scanCredentialRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlatformCredential{}, ErrNotFound
	}
	return c, err
}

func scanCredentialRow(row rowScanner) (PlatformCredential, error) {
	var c PlatformCredential
	var lastChecked sql.NullString
	var autoRefresh, healthy int
	if err := row.Scan(&c.BotID, &c.Platform, &c.Secrets, &c.WebhookURL, &lastChecked, &autoRefresh, &healthy); err != nil {
		return PlatformCredential{}, err
	}
	if lastChecked.Valid {
		c.WebhookLastChecked = parseTime(lastChecked.String)
	}
	c.AutoRefresh = autoRefresh != 0
	c.Healthy = healthy != 0
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}
