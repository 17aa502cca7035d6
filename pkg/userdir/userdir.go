// Package userdir is a read-mostly client for the upstream account directory,
// an opaque record store delivered as a sqlite snapshot. The identity resolver
// and scheduler use it to hydrate chat links and API credentials that are
// missing from the state store.
package userdir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Record is one provisioned user.
type Record struct {
	OKXUID     string
	TelegramID string
	APIKey     string
	APISecret  string
	Passphrase string
}

// Directory wraps the sqlite snapshot.
type Directory struct {
	db *sql.DB
}

// Open opens the directory file and ensures the schema exists.
func Open(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("userdir: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userdir: apply schema: %w", err)
	}
	return &Directory{db: db}, nil
}

func (d *Directory) Close() error { return d.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	okx_uid     TEXT PRIMARY KEY,
	telegram_id TEXT,
	api_key     TEXT,
	api_secret  TEXT,
	passphrase  TEXT,
	created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_users_telegram ON users(telegram_id);
`

// FetchUser returns the record for an exchange UID, or nil when absent.
func (d *Directory) FetchUser(ctx context.Context, okxUID string) (*Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT okx_uid, COALESCE(telegram_id,''), COALESCE(api_key,''),
		       COALESCE(api_secret,''), COALESCE(passphrase,'')
		FROM users WHERE okx_uid = ?
	`, okxUID)

	var r Record
	if err := row.Scan(&r.OKXUID, &r.TelegramID, &r.APIKey, &r.APISecret, &r.Passphrase); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// FetchByTelegram returns the record linked to a chat id, or nil.
func (d *Directory) FetchByTelegram(ctx context.Context, telegramID string) (*Record, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT okx_uid, COALESCE(telegram_id,''), COALESCE(api_key,''),
		       COALESCE(api_secret,''), COALESCE(passphrase,'')
		FROM users WHERE telegram_id = ? LIMIT 1
	`, telegramID)

	var r Record
	if err := row.Scan(&r.OKXUID, &r.TelegramID, &r.APIKey, &r.APISecret, &r.Passphrase); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// UpsertUser writes a record; used by the registration flow to keep the
// snapshot aligned with the state store.
func (d *Directory) UpsertUser(ctx context.Context, r Record) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (okx_uid, telegram_id, api_key, api_secret, passphrase)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(okx_uid) DO UPDATE SET
			telegram_id = excluded.telegram_id,
			api_key     = excluded.api_key,
			api_secret  = excluded.api_secret,
			passphrase  = excluded.passphrase
	`, r.OKXUID, r.TelegramID, r.APIKey, r.APISecret, r.Passphrase)
	return err
}
