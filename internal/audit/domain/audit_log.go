package domain

import "time"

// AuditLog represents an audit event about a user or session.
type AuditLog struct {
	ID        string
	UserID    string
	SessionID string
	Action    string
	Resource  string
	Details   string
	CreatedAt time.Time
}
