// Package machine holds the session state machine. Every function is pure: it takes a session
// value, returns a new one and lists the side effects for the caller to run.
package machine

import (
	"errors"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
)

// ErrNotApplicable is returned when an event does not apply to the session's current status.
var ErrNotApplicable = errors.New("transition not applicable")

// MinGrace is the lower bound of the fallback grace window.
const MinGrace = 30 * time.Second

// Observation is what the device reported for a session's account this tick.
type Observation struct {
	Present     bool
	ExternalRef string
}

// Policy is the per-session slice of the tick's configuration snapshot.
type Policy struct {
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	ResendInterval      time.Duration
	MaxResends          int
	Grace               time.Duration
}

// EffectiveGrace returns configured when positive, else max(MinGrace, 2 × pollInterval).
func EffectiveGrace(configured, pollInterval time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	if g := 2 * pollInterval; g > MinGrace {
		return g
	}
	return MinGrace
}

// ActionKind is a side effect requested by a transition.
type ActionKind string

const (
	ActionSendPrompt   ActionKind = "send_prompt"
	ActionResendPrompt ActionKind = "resend_prompt"
	ActionResolveGrant ActionKind = "resolve_grant"
	ActionRevoke       ActionKind = "revoke"
	ActionNotify       ActionKind = "notify"
)

// Action is one side effect. Event is set for ActionNotify.
type Action struct {
	Kind  ActionKind
	Event domain.Event
}

// Result is the outcome of applying rules to a session.
type Result struct {
	Session *domain.Session
	From    domain.Status
	// Changed is true when any persisted field differs from the input.
	Changed bool
	Events  []domain.Event
	Actions []Action
}

// StatusChanged reports whether the status differs from the input status.
func (r Result) StatusChanged() bool {
	return r.Session != nil && r.Session.Status != r.From
}

// Has reports whether the result requests an action of kind k.
func (r Result) Has(k ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == k {
			return true
		}
	}
	return false
}

func (r *Result) emit(ev domain.Event) {
	r.Events = append(r.Events, ev)
}

func (r *Result) do(k ActionKind) {
	r.Actions = append(r.Actions, Action{Kind: k})
}

func (r *Result) notify(ev domain.Event) {
	r.Actions = append(r.Actions, Action{Kind: ActionNotify, Event: ev})
}

func newResult(s *domain.Session) Result {
	return Result{Session: s.Clone(), From: s.Status}
}

// Evaluate runs one reconciliation tick's rules for a session. Expiry is checked first and,
// when it fires, no other rule is evaluated. Sessions in a terminal status are returned unchanged.
func Evaluate(s *domain.Session, obs Observation, p Policy, now time.Time) Result {
	r := newResult(s)
	if !s.Status.IsActive() {
		return r
	}
	cur := r.Session

	if now.After(cur.ExpiresAt) {
		terminate(&r, domain.StatusExpired, domain.EndReasonExpired, domain.EventExpired)
		return r
	}

	startedConfirm := cur.Status == domain.StatusConfirmRequested
	if startedConfirm && confirmTimedOut(cur, p.ConfirmTimeout, now) {
		terminate(&r, domain.StatusDisconnected, domain.EndReasonConfirmTimeout, domain.EventConfirmTimeout)
		return r
	}

	if obs.Present {
		observe(&r, obs, now)
		switch {
		case cur.Status == domain.StatusConnected:
			afterConnect(&r, p, now)
		case startedConfirm:
			resend(&r, p, now)
		}
		return r
	}

	absent(&r, p, now)
	return r
}

func observe(r *Result, obs Observation, now time.Time) {
	cur := r.Session
	t := now
	cur.LastSeenAt = &t
	if obs.ExternalRef != "" {
		cur.ExternalRef = obs.ExternalRef
	}
	r.Changed = true
	if cur.Status == domain.StatusRequested {
		c := now
		cur.ConnectedAt = &c
		cur.Status = domain.StatusConnected
		r.emit(domain.EventConnected)
	}
}

func afterConnect(r *Result, p Policy, now time.Time) {
	cur := r.Session
	if p.RequireConfirmation {
		first, last := now, now
		cur.Status = domain.StatusConfirmRequested
		cur.ConfirmRequestedAt = &first
		cur.ConfirmLastSentAt = &last
		cur.ConfirmSentCount = 1
		r.Changed = true
		r.emit(domain.EventConfirmRequested)
		r.do(ActionSendPrompt)
		return
	}
	confirmed := now
	cur.Status = domain.StatusActive
	cur.ConfirmedAt = &confirmed
	r.Changed = true
	r.emit(domain.EventAutoConfirmed)
	r.do(ActionResolveGrant)
	r.notify(domain.EventAutoConfirmed)
}

// resend bumps the prompt counter when the resend interval elapsed and the cap allows.
// The cap counts resends, so at most 1 + MaxResends prompts are sent.
func resend(r *Result, p Policy, now time.Time) {
	cur := r.Session
	if p.ResendInterval <= 0 || p.MaxResends <= 0 {
		return
	}
	if cur.ConfirmSentCount >= 1+p.MaxResends {
		return
	}
	last := cur.ConfirmLastSentAt
	if last == nil {
		last = cur.ConfirmRequestedAt
	}
	if last == nil || now.Sub(*last) < p.ResendInterval {
		return
	}
	sent := now
	cur.ConfirmLastSentAt = &sent
	cur.ConfirmSentCount++
	r.Changed = true
	r.emit(domain.EventConfirmResent)
	r.do(ActionResendPrompt)
}

func absent(r *Result, p Policy, now time.Time) {
	cur := r.Session
	switch cur.Status {
	case domain.StatusConnected, domain.StatusConfirmRequested, domain.StatusActive:
	default:
		return
	}
	ref := cur.LastSeenAt
	if ref == nil {
		ref = cur.ConnectedAt
	}
	if ref == nil || now.Sub(*ref) < p.Grace {
		return
	}
	terminate(r, domain.StatusDisconnected, domain.EndReasonDeviceAbsent, domain.EventDeviceAbsent)
}

func terminate(r *Result, to domain.Status, reason domain.EndReason, ev domain.Event) {
	cur := r.Session
	cur.Status = to
	cur.EndReason = reason
	r.Changed = true
	r.emit(ev)
	r.do(ActionRevoke)
	r.notify(ev)
}

// Answer is a human's reply to a confirmation prompt.
type Answer string

const (
	AnswerYes Answer = "yes"
	AnswerNo  Answer = "no"
)

// Decide applies a human decision. Only sessions in confirm_requested that have not expired
// accept one. A "yes" arriving after confirmTimeout is refused even when no tick has applied
// the timeout yet; a "no" is still taken.
func Decide(s *domain.Session, answer Answer, confirmTimeout time.Duration, now time.Time) (Result, error) {
	if s == nil || s.Status != domain.StatusConfirmRequested || now.After(s.ExpiresAt) {
		return Result{}, ErrNotApplicable
	}
	r := newResult(s)
	switch answer {
	case AnswerYes:
		if confirmTimedOut(s, confirmTimeout, now) {
			return Result{}, ErrNotApplicable
		}
		confirmed := now
		r.Session.Status = domain.StatusActive
		r.Session.ConfirmedAt = &confirmed
		r.Changed = true
		r.emit(domain.EventConfirmed)
		r.do(ActionResolveGrant)
		r.notify(domain.EventConfirmed)
	case AnswerNo:
		terminate(&r, domain.StatusDisconnected, domain.EndReasonUserRejected, domain.EventRejected)
	default:
		return Result{}, ErrNotApplicable
	}
	return r, nil
}

func confirmTimedOut(s *domain.Session, timeout time.Duration, now time.Time) bool {
	return s.ConfirmRequestedAt != nil && now.Sub(*s.ConfirmRequestedAt) >= timeout
}

// End terminates an active session on request of its owner or an operator.
func End(s *domain.Session, reason domain.EndReason) (Result, error) {
	if s == nil || !s.Status.IsActive() {
		return Result{}, ErrNotApplicable
	}
	ev := domain.EventUserDisconnected
	if reason == domain.EndReasonAdminRevoked {
		ev = domain.EventAdminRevoked
	}
	r := newResult(s)
	terminate(&r, domain.StatusDisconnected, reason, ev)
	return r, nil
}
