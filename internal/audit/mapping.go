package audit

import (
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
)

// Resources recorded in audit entries.
const (
	ResourceSession = "vpn_session"
	ResourceDevice  = "device"
	ResourceGrant   = "firewall_rule"
)

// ActionResource holds action and resource derived from a session event.
type ActionResource struct {
	Action   string
	Resource string
}

// ForEvent returns the audit action and resource for a session event.
// Grant resolution is recorded against the firewall rule; everything else against the session.
func ForEvent(ev domain.Event) ActionResource {
	switch ev {
	case domain.EventGrantResolved:
		return ActionResource{Action: "grant_enabled", Resource: ResourceGrant}
	case "":
		return ActionResource{Action: "unknown", Resource: ResourceSession}
	}
	return ActionResource{Action: "session_" + string(ev), Resource: ResourceSession}
}

// ForRevocationStep returns the audit action for a failed revocation step
// (e.g. "grant_disable" -> "revocation_grant_disable_failed").
func ForRevocationStep(step string) ActionResource {
	return ActionResource{Action: "revocation_" + step + "_failed", Resource: ResourceDevice}
}
