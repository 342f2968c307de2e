// Package devicetest provides an in-memory device.Client for tests.
package devicetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
)

// Fake is an in-memory device. The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	active   map[string]device.ActiveSession
	accounts map[string]bool // account -> enabled
	grants   map[string]bool // rule id -> enabled
	comments map[string]string

	// QueryErr, when set, is returned by QueryActive.
	QueryErr error
	// QueryBlock, when set, makes QueryActive wait for it to close or ctx to end.
	QueryBlock chan struct{}
	// Fail maps a method name ("SetAccountEnabled", "SetGrantEnabled", "ForceDisconnect",
	// "FindGrantByTag") to the error it returns.
	Fail map[string]error

	Calls []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		active:   map[string]device.ActiveSession{},
		accounts: map[string]bool{},
		grants:   map[string]bool{},
		comments: map[string]string{},
		Fail:     map[string]error{},
	}
}

// Connect marks account as connected with ref.
func (f *Fake) Connect(account, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[account] = device.ActiveSession{Account: account, ExternalRef: ref}
}

// Drop marks account as not connected.
func (f *Fake) Drop(account string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, account)
}

// AddGrant registers a disabled firewall rule.
func (f *Fake) AddGrant(id, comment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[id] = false
	f.comments[id] = comment
}

// GrantEnabled reports the state of a rule.
func (f *Fake) GrantEnabled(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[id]
}

// AccountEnabled reports the state of an account.
func (f *Fake) AccountEnabled(account string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[account]
}

// Connected reports whether account is connected.
func (f *Fake) Connected(account string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[account]
	return ok
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	f.Calls = append(f.Calls, call)
	name, _, _ := strings.Cut(call, " ")
	return f.Fail[name]
}

func (f *Fake) QueryActive(ctx context.Context, accounts []string) (map[string]device.ActiveSession, error) {
	_ = f.record("QueryActive %s", strings.Join(accounts, ","))
	f.mu.Lock()
	block, qerr := f.QueryBlock, f.QueryErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, device.Classify("query active", ctx.Err())
		}
	}
	if qerr != nil {
		return nil, qerr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]device.ActiveSession{}
	for _, a := range accounts {
		if s, ok := f.active[a]; ok {
			out[a] = s
		}
	}
	return out, nil
}

func (f *Fake) SetAccountEnabled(_ context.Context, account string, enabled bool) error {
	if err := f.record("SetAccountEnabled %s %t", account, enabled); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account] = enabled
	return nil
}

func (f *Fake) SetGrantEnabled(_ context.Context, id string, enabled bool) error {
	if id == "" {
		return nil
	}
	if err := f.record("SetGrantEnabled %s %t", id, enabled); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grants[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, device.ErrDevice)
	}
	f.grants[id] = enabled
	return nil
}

func (f *Fake) ForceDisconnect(_ context.Context, account string) error {
	if err := f.record("ForceDisconnect %s", account); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, account)
	return nil
}

func (f *Fake) FindGrantByTag(_ context.Context, fragment string) (string, bool, error) {
	if err := f.record("FindGrantByTag %s", fragment); err != nil {
		return "", false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.ToLower(strings.TrimSpace(fragment))
	if needle == "" {
		return "", false, nil
	}
	best := ""
	for id, c := range f.comments {
		if strings.Contains(strings.ToLower(c), needle) && (best == "" || id < best) {
			best = id
		}
	}
	return best, best != "", nil
}

func (f *Fake) Ping(context.Context) (string, error) {
	if err := f.record("Ping"); err != nil {
		return "", err
	}
	return "fake", nil
}

var _ device.Client = (*Fake)(nil)
