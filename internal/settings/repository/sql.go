package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/security"
)

// SQLRepository stores overrides in the app_settings table.
type SQLRepository struct {
	db     *db.DB
	sealer *security.Sealer
	now    func() time.Time
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository returns a settings repository. sealer may be disabled, in which case
// secret settings can be neither written nor read.
func NewSQLRepository(conn *db.DB, sealer *security.Sealer) *SQLRepository {
	return &SQLRepository{db: conn, sealer: sealer, now: time.Now}
}

func (r *SQLRepository) All(ctx context.Context) (map[string]string, []error, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value, secret FROM app_settings`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	var skipped []error
	for rows.Next() {
		var (
			key, value string
			secret     bool
		)
		if err := rows.Scan(&key, &value, &secret); err != nil {
			return nil, nil, err
		}
		if secret {
			plain, err := r.sealer.Open(value)
			if err != nil {
				skipped = append(skipped, fmt.Errorf("setting %s: %w", key, err))
				continue
			}
			value = plain
		}
		out[key] = value
	}
	return out, skipped, rows.Err()
}

func (r *SQLRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value  string
		secret bool
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT value, secret FROM app_settings WHERE key = ?`), key).
		Scan(&value, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if secret {
		value, err = r.sealer.Open(value)
		if err != nil {
			return "", false, fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return value, true, nil
}

func (r *SQLRepository) Set(ctx context.Context, s Setting) error {
	value := s.Value
	if s.Secret {
		sealed, err := r.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("setting %s: %w", s.Key, err)
		}
		value = sealed
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO app_settings (key, value, secret, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, secret = excluded.secret, updated_at = excluded.updated_at`),
		s.Key, value, s.Secret, db.ToMillis(r.now()))
	return err
}

func (r *SQLRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM app_settings WHERE key = ?`), key)
	return err
}
