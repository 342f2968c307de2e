// Package device defines the contract with the access-control device (a RouterOS router)
// and the error kinds its adapters report.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout marks a device call that did not finish in time or lost connectivity.
	ErrTimeout = errors.New("device timeout")
	// ErrDevice marks any other device-side failure (auth, missing record, API error).
	ErrDevice = errors.New("device error")
)

// ActiveSession is one account reported active by the device.
type ActiveSession struct {
	Account     string
	ExternalRef string // device session id (acct-session-id or .id)
}

// Client is the access-control device as seen by the session engine.
// Every method may fail independently; failures wrap ErrTimeout or ErrDevice.
type Client interface {
	// QueryActive returns the active sessions for the given accounts keyed by account name.
	// Accounts without an active session are absent from the map.
	QueryActive(ctx context.Context, accounts []string) (map[string]ActiveSession, error)
	SetAccountEnabled(ctx context.Context, account string, enabled bool) error
	SetGrantEnabled(ctx context.Context, grantID string, enabled bool) error
	// ForceDisconnect drops every live connection of account.
	ForceDisconnect(ctx context.Context, account string) error
	// FindGrantByTag returns the first firewall rule whose comment contains fragment (case-insensitive).
	FindGrantByTag(ctx context.Context, fragment string) (string, bool, error)
	// Ping checks connectivity and returns the device identity.
	Ping(ctx context.Context) (string, error)
}

// Classify wraps err with ErrTimeout or ErrDevice. op names the failed operation.
// Errors already classified are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrDevice) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDevice, err)
}
