package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	sessionrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

// effectTimeout bounds the side effects of one session.
const effectTimeout = 30 * time.Second

// maxGrantAttempts bounds retries of the grant write after a concurrent update.
const maxGrantAttempts = 3

// Effects runs the side effects a committed transition asks for. It is shared by the
// reconciliation loop and the session service. Every dependency except Sessions and Device
// may be nil.
type Effects struct {
	Sessions sessionrepo.Repository
	Device   device.Client
	Channel  confirm.Channel
	Notifier confirm.Notifier
	Audit    audit.AuditLogger
	Events   telemetry.EventEmitter
	Metrics  *telemetry.Metrics
	Log      *zap.Logger
	Now      func() time.Time
}

func (e *Effects) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Effects) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

// Apply records res and executes its actions in order. owner may be nil, in which case
// prompts and user notices are skipped. Failures are logged and never returned: the
// transition is already committed.
func (e *Effects) Apply(ctx context.Context, res machine.Result, owner *userdomain.User, snap settings.Snapshot, source string) {
	if res.Session == nil || !res.Changed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, effectTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.log().Error("reconciler: side effects panicked", zap.String("session_id", res.Session.ID), zap.Any("panic", r))
		}
	}()

	s := res.Session
	if res.StatusChanged() {
		e.Metrics.RecordTransition(ctx, statusLabel(res.From), string(s.Status))
	}
	for _, ev := range res.Events {
		e.record(ctx, s, ev, res.From, source, nil)
	}

	for _, a := range res.Actions {
		switch a.Kind {
		case machine.ActionSendPrompt, machine.ActionResendPrompt:
			e.prompt(ctx, s, owner, snap, a.Kind == machine.ActionResendPrompt)
		case machine.ActionResolveGrant:
			e.grant(ctx, s, owner, snap, source)
		case machine.ActionRevoke:
			e.revoke(ctx, s, lastEvent(res))
		case machine.ActionNotify:
			e.notify(ctx, s, owner, a.Event)
		}
	}
}

func (e *Effects) record(ctx context.Context, s *domain.Session, ev domain.Event, from domain.Status, source string, meta map[string]string) {
	ar := audit.ForEvent(ev)
	details := "status=" + string(s.Status)
	if s.EndReason != domain.EndReasonNone {
		details += " reason=" + string(s.EndReason)
	}
	if ev == domain.EventGrantResolved {
		details = "rule=" + s.GrantID
	}
	if e.Audit != nil {
		e.Audit.LogEvent(ctx, s.UserID, s.ID, ar.Action, ar.Resource, details)
	}
	telemetry.EmitAsync(e.Events, e.log(), &telemetry.SessionEvent{
		ID:          uuid.New().String(),
		Event:       string(ev),
		SessionID:   s.ID,
		UserID:      s.UserID,
		AccountName: s.AccountName,
		From:        string(from),
		To:          string(s.Status),
		EndReason:   string(s.EndReason),
		Source:      source,
		Metadata:    meta,
		CreatedAt:   e.now(),
	})
}

func (e *Effects) prompt(ctx context.Context, s *domain.Session, owner *userdomain.User, snap settings.Snapshot, resend bool) {
	if e.Channel == nil {
		return
	}
	if owner == nil {
		e.log().Warn("reconciler: prompt skipped, owner unknown", zap.String("session_id", s.ID))
		return
	}
	p := confirm.Prompt{
		To:          confirm.Recipient{UserID: owner.ID, TelegramID: owner.TelegramID},
		SessionID:   s.ID,
		AccountName: s.AccountName,
		Attempt:     s.ConfirmSentCount,
		ExpiresAt:   s.ExpiresAt,
	}
	if s.ConfirmRequestedAt != nil {
		p.Deadline = s.ConfirmRequestedAt.Add(snap.ConfirmTimeout)
	}
	_, err := e.Channel.SendPrompt(ctx, p)
	e.Metrics.RecordPrompt(ctx, resend, err)
	if err != nil {
		e.log().Warn("reconciler: prompt delivery failed", zap.String("session_id", s.ID),
			zap.Int("attempt", p.Attempt), zap.Error(err))
	}
}

// grant enables the session's firewall rule and stores its id. When the session left the
// active status while the rule was being enabled, the rule is disabled again.
func (e *Effects) grant(ctx context.Context, s *domain.Session, owner *userdomain.User, snap settings.Snapshot, source string) {
	id, err := ResolveGrant(ctx, e.Device, owner, s.AccountName, snap)
	if err != nil {
		if errors.Is(err, ErrNoGrant) {
			e.log().Info("reconciler: no firewall rule for session", zap.String("session_id", s.ID),
				zap.String("account", s.AccountName), zap.Error(err))
			return
		}
		e.log().Warn("reconciler: grant resolution failed", zap.String("session_id", s.ID), zap.Error(err))
		return
	}

	stored, ended, err := e.storeGrant(ctx, s.ID, id)
	if err != nil {
		// the rule stays enabled: the session may still be active
		e.log().Error("reconciler: store grant failed", zap.String("session_id", s.ID),
			zap.String("grant_id", id), zap.Error(err))
		return
	}
	if ended {
		if err := e.Device.SetGrantEnabled(ctx, id, false); err != nil {
			e.log().Warn("reconciler: disable orphaned grant failed", zap.String("grant_id", id), zap.Error(err))
		}
		return
	}
	s.GrantID = stored.GrantID
	s.Version = stored.Version
	e.record(ctx, stored, domain.EventGrantResolved, stored.Status, source, map[string]string{"grant_id": id})
}

// storeGrant records grantID on the session, retrying after concurrent updates.
// ended reports that the session is gone or no longer active.
func (e *Effects) storeGrant(ctx context.Context, sessionID, grantID string) (stored *domain.Session, ended bool, err error) {
	for attempt := 1; ; attempt++ {
		stored, ended = nil, false
		err = e.Sessions.WithTx(ctx, func(tx sessionrepo.Tx) error {
			cur, err := tx.GetByID(ctx, sessionID)
			if err != nil {
				return err
			}
			if cur == nil || cur.Status != domain.StatusActive {
				ended = true
				return nil
			}
			if cur.GrantID != grantID {
				cur.GrantID = grantID
				cur.UpdatedAt = e.now()
				if err := tx.Update(ctx, cur); err != nil {
					return err
				}
			}
			stored = cur
			return nil
		})
		if errors.Is(err, domain.ErrConcurrentUpdate) && attempt < maxGrantAttempts {
			continue
		}
		return stored, ended, err
	}
}

func (e *Effects) revoke(ctx context.Context, s *domain.Session, ev domain.Event) {
	report := Revoke(ctx, e.Device, s)
	for _, step := range report.steps() {
		e.Metrics.RecordRevocationStep(ctx, step.name, step.err)
		if step.err == nil {
			continue
		}
		e.log().Warn("reconciler: revocation step failed", zap.String("session_id", s.ID),
			zap.String("step", step.name), zap.Error(step.err))
		if e.Audit != nil {
			ar := audit.ForRevocationStep(step.name)
			e.Audit.LogEvent(ctx, s.UserID, s.ID, ar.Action, ar.Resource, step.err.Error())
		}
	}
	failed := report.Failed()
	if len(failed) == 0 || e.Notifier == nil {
		return
	}
	n := confirm.Notice{
		Event:       ev,
		SessionID:   s.ID,
		AccountName: s.AccountName,
		UserID:      s.UserID,
		Detail:      "revocation failed: " + strings.Join(failed, ", "),
	}
	if err := e.Notifier.NotifyAdmin(ctx, n); err != nil {
		e.log().Warn("reconciler: admin notice failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (e *Effects) notify(ctx context.Context, s *domain.Session, owner *userdomain.User, ev domain.Event) {
	if e.Notifier == nil || owner == nil {
		return
	}
	n := confirm.Notice{Event: ev, SessionID: s.ID, AccountName: s.AccountName, UserID: s.UserID}
	to := confirm.Recipient{UserID: owner.ID, TelegramID: owner.TelegramID}
	if err := e.Notifier.Notify(ctx, to, n); err != nil {
		e.log().Warn("reconciler: notice failed", zap.String("session_id", s.ID),
			zap.String("event", string(ev)), zap.Error(err))
	}
}

func lastEvent(res machine.Result) domain.Event {
	if len(res.Events) == 0 {
		return ""
	}
	return res.Events[len(res.Events)-1]
}

func statusLabel(s domain.Status) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
