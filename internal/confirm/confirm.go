// Package confirm defines the human confirmation channel: prompts asking a user to approve
// a VPN connection, best-effort notices, and the decisions that come back.
package confirm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
)

// ErrNoRecipient is returned when the user has no reachable chat.
var ErrNoRecipient = errors.New("confirm: recipient has no chat id")

// Recipient identifies who receives a prompt or notice.
type Recipient struct {
	UserID     string
	TelegramID int64
}

// Prompt asks the recipient to approve or reject a connection.
type Prompt struct {
	To          Recipient
	SessionID   string
	AccountName string
	// Attempt is 1 for the first prompt and grows with each resend.
	Attempt   int
	ExpiresAt time.Time
	// Deadline is when the prompt times out unanswered.
	Deadline time.Time
}

// DeliveryHandle identifies a delivered prompt.
type DeliveryHandle struct {
	ChatID    int64
	MessageID int
}

// Channel delivers confirmation prompts. Delivery is fire-and-forget for the caller:
// a failed send never blocks a state transition.
type Channel interface {
	SendPrompt(ctx context.Context, p Prompt) (DeliveryHandle, error)
}

// Notice is a best-effort message about a session event.
type Notice struct {
	Event       domain.Event
	SessionID   string
	AccountName string
	UserID      string
	// Detail is optional free text, such as failed revocation steps for operators.
	Detail string
}

// Notifier sends notices. Errors are for logging only.
type Notifier interface {
	Notify(ctx context.Context, to Recipient, n Notice) error
	NotifyAdmin(ctx context.Context, n Notice) error
}

// Decision is a human's answer to a prompt, identified by either Telegram id or user id.
type Decision struct {
	SessionID         string
	Answer            machine.Answer
	DeciderTelegramID int64
	DeciderUserID     string
}

// Decider applies decisions. Implemented by the session service.
type Decider interface {
	Decide(ctx context.Context, d Decision) (*domain.Session, error)
}

// Callback data carried by inline buttons.
const (
	callbackConfirm    = "confirm"
	callbackDisconnect = "disconnect"
)

// ConfirmCallback returns the inline button payload for answering a prompt.
func ConfirmCallback(sessionID string, answer machine.Answer) string {
	return callbackConfirm + ":" + sessionID + ":" + string(answer)
}

// DisconnectCallback returns the inline button payload for ending a session.
func DisconnectCallback(sessionID string) string {
	return callbackDisconnect + ":" + sessionID
}

// Callback is a parsed inline button payload.
type Callback struct {
	Disconnect bool
	SessionID  string
	Answer     machine.Answer
}

// ParseCallback parses payloads built by ConfirmCallback and DisconnectCallback.
func ParseCallback(data string) (Callback, bool) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	switch {
	case len(parts) == 3 && parts[0] == callbackConfirm && parts[1] != "":
		a := machine.Answer(parts[2])
		if a != machine.AnswerYes && a != machine.AnswerNo {
			return Callback{}, false
		}
		return Callback{SessionID: parts[1], Answer: a}, true
	case len(parts) == 2 && parts[0] == callbackDisconnect && parts[1] != "":
		return Callback{Disconnect: true, SessionID: parts[1]}, true
	}
	return Callback{}, false
}
