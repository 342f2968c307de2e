package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
)

const sessionColumns = `id, user_id, account_name, status, created_at, connected_at, confirm_requested_at,
	confirm_last_sent_at, confirmed_at, expires_at, last_seen_at, confirm_sent_count, external_ref,
	grant_id, end_reason, updated_at, version`

// SQLRepository persists sessions in Postgres or SQLite.
type SQLRepository struct {
	db  *db.DB
	now func() time.Time
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository returns a session repository that uses the given db for persistence.
func NewSQLRepository(conn *db.DB) *SQLRepository {
	return &SQLRepository{db: conn, now: time.Now}
}

func (r *SQLRepository) queries(q db.Querier) *queries {
	return &queries{q: q, db: r.db, now: r.now}
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	return r.queries(r.db).GetByID(ctx, id)
}

// ListActive returns all sessions in an active status.
func (r *SQLRepository) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return r.queries(r.db).ListByStatus(ctx, domain.ActiveStatuses...)
}

// GetActiveForUser returns the user's active-status session, or nil.
func (r *SQLRepository) GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error) {
	return r.queries(r.db).GetActiveForUser(ctx, userID)
}

// ListByUser returns up to limit sessions of the user, newest first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx,
		r.db.Rebind(`SELECT `+sessionColumns+` FROM vpn_sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`),
		userID, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// WithTx runs fn inside a transaction scoped to the call.
func (r *SQLRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(r.queries(tx))
	})
}

type queries struct {
	q   db.Querier
	db  *db.DB
	now func() time.Time
}

func (q *queries) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := q.q.QueryRowContext(ctx, q.db.Rebind(`SELECT `+sessionColumns+` FROM vpn_sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (q *queries) GetByIDs(ctx context.Context, ids []string) ([]*domain.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + sessionColumns + ` FROM vpn_sessions WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY created_at, id`
	rows, err := q.q.QueryContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (q *queries) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	query := `SELECT ` + sessionColumns + ` FROM vpn_sessions WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY created_at, id`
	rows, err := q.q.QueryContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (q *queries) GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error) {
	args := []any{userID}
	for _, s := range domain.ActiveStatuses {
		args = append(args, string(s))
	}
	query := `SELECT ` + sessionColumns + ` FROM vpn_sessions WHERE user_id = ? AND status IN (` +
		placeholders(len(domain.ActiveStatuses)) + `) ORDER BY created_at DESC LIMIT 1`
	s, err := scanSession(q.q.QueryRowContext(ctx, q.db.Rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (q *queries) Create(ctx context.Context, s *domain.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	s.Version = 0
	s.UpdatedAt = q.now().UTC()
	_, err := q.q.ExecContext(ctx, q.db.Rebind(`INSERT INTO vpn_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.UserID, s.AccountName, string(s.Status),
		db.ToMillis(s.CreatedAt), db.NullMillis(s.ConnectedAt), db.NullMillis(s.ConfirmRequestedAt),
		db.NullMillis(s.ConfirmLastSentAt), db.NullMillis(s.ConfirmedAt), db.ToMillis(s.ExpiresAt),
		db.NullMillis(s.LastSeenAt), s.ConfirmSentCount, s.ExternalRef, s.GrantID, string(s.EndReason),
		db.ToMillis(s.UpdatedAt), s.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.ErrSessionAlreadyActive
		}
		return err
	}
	return nil
}

func (q *queries) Update(ctx context.Context, s *domain.Session) error {
	updatedAt := q.now().UTC()
	res, err := q.q.ExecContext(ctx, q.db.Rebind(`UPDATE vpn_sessions SET
		status = ?, connected_at = ?, confirm_requested_at = ?, confirm_last_sent_at = ?, confirmed_at = ?,
		last_seen_at = ?, confirm_sent_count = ?, external_ref = ?, grant_id = ?, end_reason = ?,
		updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		string(s.Status), db.NullMillis(s.ConnectedAt), db.NullMillis(s.ConfirmRequestedAt),
		db.NullMillis(s.ConfirmLastSentAt), db.NullMillis(s.ConfirmedAt), db.NullMillis(s.LastSeenAt),
		s.ConfirmSentCount, s.ExternalRef, s.GrantID, string(s.EndReason),
		db.ToMillis(updatedAt), s.ID, s.Version)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return domain.ErrSessionAlreadyActive
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentUpdate
	}
	s.Version++
	s.UpdatedAt = updatedAt
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		s                                                                         domain.Session
		status, endReason                                                         string
		createdAt, expiresAt, updatedAt                                           int64
		connectedAt, confirmRequestedAt, confirmLastSentAt, confirmedAt, lastSeen sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.AccountName, &status, &createdAt, &connectedAt, &confirmRequestedAt,
		&confirmLastSentAt, &confirmedAt, &expiresAt, &lastSeen, &s.ConfirmSentCount, &s.ExternalRef,
		&s.GrantID, &endReason, &updatedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.Status = domain.Status(status)
	s.EndReason = domain.EndReason(endReason)
	s.CreatedAt = db.FromMillis(createdAt)
	s.ExpiresAt = db.FromMillis(expiresAt)
	s.UpdatedAt = db.FromMillis(updatedAt)
	s.ConnectedAt = db.MillisPtr(connectedAt)
	s.ConfirmRequestedAt = db.MillisPtr(confirmRequestedAt)
	s.ConfirmLastSentAt = db.MillisPtr(confirmLastSentAt)
	s.ConfirmedAt = db.MillisPtr(confirmedAt)
	s.LastSeenAt = db.MillisPtr(lastSeen)
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*domain.Session, error) {
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
