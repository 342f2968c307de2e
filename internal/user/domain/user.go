package domain

import (
	"errors"
	"time"
)

// User is a person allowed to request VPN access through the bot.
type User struct {
	ID         string
	TelegramID int64
	FullName   string
	Status     UserStatus
	// RequireConfirmation overrides the global confirmation flag; nil means "use the global value".
	RequireConfirmation *bool
	// FirewallRuleID is an operator-assigned firewall rule enabled while the user is confirmed.
	FirewallRuleID string
	// FirewallRuleComment is a fragment searched in firewall rule comments when FirewallRuleID is empty.
	FirewallRuleComment string
	CreatedAt           time.Time
	ApprovedAt          *time.Time
}

type UserStatus string

const (
	UserStatusPending  UserStatus = "pending"
	UserStatusApproved UserStatus = "approved"
	UserStatusRejected UserStatus = "rejected"
)

// ErrUserNotApproved is returned when a user without approved standing requests access.
var ErrUserNotApproved = errors.New("user is not approved")

// ErrAccountNotBound is returned when a user requests an account that is not bound to them.
var ErrAccountNotBound = errors.New("account is not bound to user")

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.TelegramID == 0 {
		return errors.New("telegram id is required")
	}
	if u.Status == "" {
		u.Status = UserStatusPending
	}
	return nil
}

// AccountBinding grants a user the right to request sessions for a device account.
type AccountBinding struct {
	ID          string
	UserID      string
	AccountName string
	Active      bool
	CreatedAt   time.Time
}
