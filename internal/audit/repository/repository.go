package repository

import (
	"context"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	// ListBySession returns entries for a session, oldest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
