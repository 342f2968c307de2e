// Package policy holds the pure confirmation-requirement rule.
package policy

// ResolveConfirmation decides whether a session needs a human confirmation.
// A non-nil per-user override wins; otherwise the global default applies.
func ResolveConfirmation(userOverride *bool, global bool) bool {
	if userOverride != nil {
		return *userOverride
	}
	return global
}
