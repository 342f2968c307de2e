package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
)

const auditColumns = `id, user_id, session_id, action, resource, details, created_at`

type SQLRepository struct {
	db *db.DB
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository returns an audit log repository that uses the given db for persistence.
func NewSQLRepository(conn *db.DB) *SQLRepository {
	return &SQLRepository{db: conn}
}

// GetByID returns the audit log for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+auditColumns+` FROM audit_logs WHERE id = ?`), id)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *SQLRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT `+auditColumns+` FROM audit_logs
		WHERE session_id = ? ORDER BY created_at, id LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create persists the audit log entry.
func (r *SQLRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.UserID, a.SessionID, a.Action, a.Resource, a.Details, db.ToMillis(a.CreatedAt))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(s scanner) (*domain.AuditLog, error) {
	var (
		a       domain.AuditLog
		created int64
	)
	if err := s.Scan(&a.ID, &a.UserID, &a.SessionID, &a.Action, &a.Resource, &a.Details, &created); err != nil {
		return nil, err
	}
	a.CreatedAt = db.FromMillis(created)
	return &a, nil
}
