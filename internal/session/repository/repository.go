package repository

import (
	"context"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
)

// Repository defines persistence for VPN sessions.
type Repository interface {
	// GetByID returns the session for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// ListActive returns all sessions in an active status, oldest first.
	ListActive(ctx context.Context) ([]*domain.Session, error)
	// GetActiveForUser returns the user's session in an active status, or nil.
	GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error)
	// ListByUser returns the user's most recent sessions, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error)
	// WithTx runs fn in one transaction: commit on nil, rollback on error or panic.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of session operations available inside a transaction.
type Tx interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Session, error)
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error)
	GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error)
	// Create inserts s with Version 0. Returns domain.ErrSessionAlreadyActive when the
	// one-active-session-per-user index rejects the row.
	Create(ctx context.Context, s *domain.Session) error
	// Update writes s if the stored version still equals s.Version, then increments s.Version.
	// Returns domain.ErrConcurrentUpdate when the row changed or disappeared.
	Update(ctx context.Context, s *domain.Session) error
}
