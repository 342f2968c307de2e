package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

// ErrNoGrant is returned by ResolveGrant when no firewall rule matches.
var ErrNoGrant = errors.New("no firewall rule found for session")

// ResolveGrant finds the firewall rule that opens access for account and enables it.
// Candidates, first match wins: the user's explicit rule id, a rule whose comment contains the
// user's comment fragment, a rule whose comment contains "<prefix> <account>".
// Lookup failures fall through to the next candidate.
func ResolveGrant(ctx context.Context, dev device.Client, u *userdomain.User, account string, snap settings.Snapshot) (string, error) {
	var lookupErrs []error
	id := ""
	if u != nil {
		id = strings.TrimSpace(u.FirewallRuleID)
	}
	fragments := make([]string, 0, 2)
	if u != nil && strings.TrimSpace(u.FirewallRuleComment) != "" {
		fragments = append(fragments, u.FirewallRuleComment)
	}
	if tag := snap.GrantTag(account); tag != "" {
		fragments = append(fragments, tag)
	}
	for _, f := range fragments {
		if id != "" {
			break
		}
		found, ok, err := dev.FindGrantByTag(ctx, f)
		if err != nil {
			lookupErrs = append(lookupErrs, fmt.Errorf("find %q: %w", f, err))
			continue
		}
		if ok {
			id = found
		}
	}
	if id == "" {
		return "", errors.Join(append([]error{ErrNoGrant}, lookupErrs...)...)
	}
	if err := dev.SetGrantEnabled(ctx, id, true); err != nil {
		return "", fmt.Errorf("enable rule %s: %w", id, err)
	}
	return id, nil
}
