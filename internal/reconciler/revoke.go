package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
)

// Revocation steps, in execution order.
const (
	StepGrantDisable    = "grant_disable"
	StepForceDisconnect = "force_disconnect"
	StepAccountDisable  = "account_disable"
)

// RevocationReport holds the outcome of each revocation step. A nil error means the step
// succeeded or had nothing to do.
type RevocationReport struct {
	GrantDisable    error
	ForceDisconnect error
	AccountDisable  error
}

// Failed returns the names of failed steps.
func (r RevocationReport) Failed() []string {
	var out []string
	for _, s := range r.steps() {
		if s.err != nil {
			out = append(out, s.name)
		}
	}
	return out
}

// Err joins the step errors, or returns nil when every step succeeded.
func (r RevocationReport) Err() error {
	var errs []error
	for _, s := range r.steps() {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, s.err))
		}
	}
	return errors.Join(errs...)
}

type stepResult struct {
	name string
	err  error
}

func (r RevocationReport) steps() []stepResult {
	return []stepResult{
		{StepGrantDisable, r.GrantDisable},
		{StepForceDisconnect, r.ForceDisconnect},
		{StepAccountDisable, r.AccountDisable},
	}
}

// Revoke withdraws device access for a terminated session: disable its firewall grant,
// drop live connections, disable the account. Every step is attempted regardless of the
// others. Running it twice is harmless.
func Revoke(ctx context.Context, dev device.Client, s *domain.Session) RevocationReport {
	var r RevocationReport
	if s.GrantID != "" {
		r.GrantDisable = dev.SetGrantEnabled(ctx, s.GrantID, false)
	}
	r.ForceDisconnect = dev.ForceDisconnect(ctx, s.AccountName)
	r.AccountDisable = dev.SetAccountEnabled(ctx, s.AccountName, false)
	return r
}
