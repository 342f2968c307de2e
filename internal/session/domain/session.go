package domain

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a VPN access session.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusConnected        Status = "connected"
	StatusConfirmRequested Status = "confirm_requested"
	StatusActive           Status = "active"
	StatusDisconnected     Status = "disconnected"
	StatusExpired          Status = "expired"
)

// ActiveStatuses are the statuses that occupy a user's single session slot.
var ActiveStatuses = []Status{StatusRequested, StatusConnected, StatusConfirmRequested, StatusActive}

// IsActive reports whether s occupies the user's session slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusRequested, StatusConnected, StatusConfirmRequested, StatusActive:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusExpired
}

// EndReason records why a session became terminal.
type EndReason string

const (
	EndReasonNone             EndReason = ""
	EndReasonExpired          EndReason = "expired"
	EndReasonDeviceAbsent     EndReason = "device_absent"
	EndReasonConfirmTimeout   EndReason = "confirm_timeout"
	EndReasonUserRejected     EndReason = "user_rejected"
	EndReasonUserDisconnected EndReason = "user_disconnected"
	EndReasonAdminRevoked     EndReason = "admin_revoked"
)

var (
	// ErrSessionAlreadyActive is returned when the user already holds a session in an active status.
	ErrSessionAlreadyActive = errors.New("user already has an active session")
	// ErrSessionNotFound is returned when no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConcurrentUpdate is returned when a session changed between read and write.
	ErrConcurrentUpdate = errors.New("session was modified concurrently")
)

// Session is one time-boxed grant of VPN access for a device account.
type Session struct {
	ID          string
	UserID      string
	AccountName string // account name on the access-control device
	Status      Status

	CreatedAt          time.Time
	ConnectedAt        *time.Time
	ConfirmRequestedAt *time.Time // first prompt; the confirmation timeout is measured from here
	ConfirmLastSentAt  *time.Time
	ConfirmedAt        *time.Time
	ExpiresAt          time.Time // CreatedAt + session duration, never recalculated
	LastSeenAt         *time.Time

	ConfirmSentCount int
	ExternalRef      string // device-side session id, display only
	GrantID          string // firewall rule id; empty when none resolved
	EndReason        EndReason

	UpdatedAt time.Time
	Version   int64
}

// Clone returns a deep copy so transitions never alias the caller's timestamps.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ConnectedAt = cloneTime(s.ConnectedAt)
	c.ConfirmRequestedAt = cloneTime(s.ConfirmRequestedAt)
	c.ConfirmLastSentAt = cloneTime(s.ConfirmLastSentAt)
	c.ConfirmedAt = cloneTime(s.ConfirmedAt)
	c.LastSeenAt = cloneTime(s.LastSeenAt)
	return &c
}

// Validate validates the session for creation. Returns an error describing the first validation failure.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.UserID == "" {
		return errors.New("user id is required")
	}
	if s.AccountName == "" {
		return errors.New("account name is required")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return errors.New("expires_at must be after created_at")
	}
	if s.Status == "" {
		s.Status = StatusRequested
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Event names a state change of a session. Events drive notifications, audit entries and telemetry.
type Event string

const (
	EventRequested        Event = "requested"
	EventConnected        Event = "connected"
	EventConfirmRequested Event = "confirm_requested"
	EventConfirmResent    Event = "confirm_resent"
	EventAutoConfirmed    Event = "auto_confirmed"
	EventConfirmed        Event = "confirmed"
	EventRejected         Event = "rejected"
	EventConfirmTimeout   Event = "confirm_timeout"
	EventDeviceAbsent     Event = "device_absent"
	EventExpired          Event = "expired"
	EventUserDisconnected Event = "user_disconnected"
	EventAdminRevoked     Event = "admin_revoked"
	EventGrantResolved    Event = "grant_resolved"
)
