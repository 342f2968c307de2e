package confirm

import (
	"fmt"
	"strings"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

const timeLayout = "2006-01-02 15:04 MST"

// PromptText renders the confirmation request shown to the user.
func PromptText(p Prompt) string {
	var b strings.Builder
	if p.Attempt > 1 {
		fmt.Fprintf(&b, "Reminder (%d): ", p.Attempt-1)
	}
	fmt.Fprintf(&b, "A VPN connection for account %q was detected.\n", p.AccountName)
	b.WriteString("Was it you? Approve to keep the connection, reject to drop it.")
	if !p.Deadline.IsZero() {
		fmt.Fprintf(&b, "\nUnanswered requests are dropped at %s.", p.Deadline.UTC().Format(timeLayout))
	}
	return b.String()
}

// NoticeText renders a notice. Unknown events fall back to a generic line.
func NoticeText(n Notice) string {
	var msg string
	switch n.Event {
	case domain.EventRequested:
		msg = fmt.Sprintf("Access to %q requested. Connect your VPN client now.", n.AccountName)
	case domain.EventAutoConfirmed:
		msg = fmt.Sprintf("VPN connection for %q is active.", n.AccountName)
	case domain.EventConfirmed:
		msg = fmt.Sprintf("Confirmed. VPN connection for %q is active.", n.AccountName)
	case domain.EventRejected:
		msg = fmt.Sprintf("Rejected. VPN connection for %q was dropped.", n.AccountName)
	case domain.EventConfirmTimeout:
		msg = fmt.Sprintf("No answer in time. VPN connection for %q was dropped.", n.AccountName)
	case domain.EventDeviceAbsent:
		msg = fmt.Sprintf("VPN connection for %q went away. Session closed.", n.AccountName)
	case domain.EventExpired:
		msg = fmt.Sprintf("Session for %q expired. Request access again to reconnect.", n.AccountName)
	case domain.EventUserDisconnected:
		msg = fmt.Sprintf("Session for %q ended.", n.AccountName)
	case domain.EventAdminRevoked:
		msg = fmt.Sprintf("Session for %q was revoked by an administrator.", n.AccountName)
	default:
		msg = fmt.Sprintf("Session %s: %s.", n.SessionID, n.Event)
	}
	if n.Detail != "" {
		msg += "\n" + n.Detail
	}
	return msg
}

// SessionLine renders one session for listings.
func SessionLine(s *domain.Session, now time.Time) string {
	left := s.ExpiresAt.Sub(now).Round(time.Minute)
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%s  %s  %s left", s.AccountName, s.Status, left)
}

// HistoryLine formats a past or current session for /history.
func HistoryLine(s *domain.Session) string {
	line := fmt.Sprintf("%s  %s  %s", s.CreatedAt.UTC().Format("2006-01-02 15:04"), s.AccountName, s.Status)
	if s.EndReason != domain.EndReasonNone {
		line += " (" + string(s.EndReason) + ")"
	}
	return line
}

// OverrideLabel renders a per-user confirmation override.
func OverrideLabel(v *bool) string {
	switch {
	case v == nil:
		return "default"
	case *v:
		return "on"
	default:
		return "off"
	}
}

// UserSummary renders a user's access settings for the admin chat. accounts is omitted when nil.
func UserSummary(u *userdomain.User, accounts []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d)\nstatus: %s\nconfirmation: %s\n", u.FullName, u.TelegramID, u.Status,
		OverrideLabel(u.RequireConfirmation))
	fmt.Fprintf(&sb, "firewall rule: %s\nfirewall comment: %s", orDash(u.FirewallRuleID), orDash(u.FirewallRuleComment))
	if accounts != nil {
		fmt.Fprintf(&sb, "\naccounts: %s", orDash(strings.Join(accounts, ", ")))
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
