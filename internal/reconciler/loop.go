// Package reconciler runs the periodic reconciliation loop: every tick it asks the device which
// accounts are connected, advances each active session through the state machine, persists the
// result and only then performs the side effects (prompts, grants, revocation, notices).
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/policy"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/policy/engine"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	sessionrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
	userrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/repository"
)

const tracerName = "vpn2fa/reconciler"

// tickBudget bounds a whole tick. Shutdown does not cancel a running tick, so this is what
// keeps a stuck store or device from blocking shutdown forever.
const tickBudget = 2 * time.Minute

// ErrTickInFlight is returned by Tick when another tick is still running.
var ErrTickInFlight = errors.New("reconciler: tick already in flight")

// SnapshotSource yields the configuration for one tick.
type SnapshotSource interface {
	Current(ctx context.Context) settings.Snapshot
}

// ConfirmationPolicy decides per session whether a human must confirm the connection.
type ConfirmationPolicy interface {
	RequireConfirmation(ctx context.Context, policySource string, in engine.ConfirmationInput) bool
}

// StaticSnapshot is a SnapshotSource that always returns itself.
type StaticSnapshot settings.Snapshot

func (s StaticSnapshot) Current(context.Context) settings.Snapshot { return settings.Snapshot(s) }

// Deps are the collaborators of a Loop. Policy may be nil, in which case the per-user
// override and the global flag decide.
type Deps struct {
	Sessions sessionrepo.Repository
	Users    userrepo.Repository
	Device   device.Client
	Settings SnapshotSource
	Policy   ConfirmationPolicy
	Effects  *Effects
	Metrics  *telemetry.Metrics
	Log      *zap.Logger
}

// Loop is the reconciliation loop. At most one tick runs at a time.
type Loop struct {
	sessions sessionrepo.Repository
	users    userrepo.Repository
	device   device.Client
	settings SnapshotSource
	policy   ConfirmationPolicy
	effects  *Effects
	metrics  *telemetry.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	inFlight atomic.Bool
}

// New returns a Loop.
func New(d Deps) *Loop {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		sessions: d.Sessions,
		users:    d.Users,
		device:   d.Device,
		settings: d.Settings,
		policy:   d.Policy,
		effects:  d.Effects,
		metrics:  d.Metrics,
		log:      log,
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Outcome string
	// Sessions is the number of active sessions found at the start of the tick.
	Sessions int
	// Changed counts sessions whose update was committed.
	Changed int
	// Conflicts counts sessions skipped because they were modified concurrently.
	Conflicts int
}

// Run ticks every poll interval until ctx is done. The first tick runs immediately. Ticks that
// fall due while one is running are coalesced. On shutdown the running tick completes first.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.settings.Current(ctx).PollInterval
	if interval <= 0 {
		return fmt.Errorf("reconciler: poll interval must be positive, got %s", interval)
	}
	l.log.Info("reconciler: started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciler: stopped")
			return nil
		case <-ticker.C:
			l.tickAndLog(ctx)
		}
	}
}

func (l *Loop) tickAndLog(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickBudget)
	defer cancel()
	report, err := l.Tick(tickCtx)
	switch {
	case errors.Is(err, ErrTickInFlight):
		l.log.Debug("reconciler: tick skipped, previous still running")
	case err != nil:
		l.log.Warn("reconciler: tick abandoned", zap.String("outcome", report.Outcome), zap.Error(err))
	case report.Changed > 0 || report.Conflicts > 0:
		l.log.Info("reconciler: tick done", zap.Int("sessions", report.Sessions),
			zap.Int("changed", report.Changed), zap.Int("conflicts", report.Conflicts))
	}
}

type pending struct {
	res   machine.Result
	owner *userdomain.User
}

// Tick runs one reconciliation pass. A device or store failure abandons the tick before any
// write; side effects run only for committed transitions.
func (l *Loop) Tick(ctx context.Context) (report TickReport, err error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.metrics.RecordTick(ctx, telemetry.TickSkipped)
		return TickReport{Outcome: telemetry.TickSkipped}, ErrTickInFlight
	}
	defer l.inFlight.Store(false)

	ctx, span := l.tracer.Start(ctx, "reconciler.tick")
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", report.Outcome),
			attribute.Int("sessions", report.Sessions),
			attribute.Int("changed", report.Changed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		l.metrics.RecordTick(ctx, report.Outcome)
	}()

	snap := l.settings.Current(ctx)

	var active []*domain.Session
	err = l.sessions.WithTx(ctx, func(tx sessionrepo.Tx) error {
		var err error
		active, err = tx.ListByStatus(ctx, domain.ActiveStatuses...)
		return err
	})
	if err != nil {
		return TickReport{Outcome: telemetry.TickStoreFailed}, fmt.Errorf("list active sessions: %w", err)
	}
	report.Sessions = len(active)
	if len(active) == 0 {
		report.Outcome = telemetry.TickIdle
		return report, nil
	}

	present, err := l.queryDevice(ctx, accountsOf(active), snap.QueryTimeout)
	if err != nil {
		report.Outcome = telemetry.TickQueryFailed
		return report, err
	}

	owners, err := l.users.GetByIDs(ctx, userIDsOf(active))
	if err != nil {
		report.Outcome = telemetry.TickStoreFailed
		return report, fmt.Errorf("load session owners: %w", err)
	}
	require := make(map[string]bool, len(active))
	for _, s := range active {
		if u := owners[s.UserID]; u != nil {
			require[s.ID] = l.requireConfirmation(ctx, snap, u, s.AccountName)
		}
	}

	now := l.now()
	var committed []pending
	err = l.sessions.WithTx(ctx, func(tx sessionrepo.Tx) error {
		committed = committed[:0]
		report.Changed, report.Conflicts = 0, 0
		fresh, err := tx.GetByIDs(ctx, idsOf(active))
		if err != nil {
			return fmt.Errorf("reload sessions: %w", err)
		}
		for _, s := range fresh {
			if !s.Status.IsActive() {
				continue
			}
			owner := owners[s.UserID]
			if owner == nil {
				l.log.Warn("reconciler: session owner not found, skipping", zap.String("session_id", s.ID),
					zap.String("user_id", s.UserID))
				continue
			}
			obs := machine.Observation{}
			if a, ok := present[s.AccountName]; ok {
				obs = machine.Observation{Present: true, ExternalRef: a.ExternalRef}
			}
			res := machine.Evaluate(s, obs, snap.Policy(require[s.ID]), now)
			if !res.Changed {
				continue
			}
			res.Session.UpdatedAt = now
			if err := tx.Update(ctx, res.Session); err != nil {
				if errors.Is(err, domain.ErrConcurrentUpdate) {
					report.Conflicts++
					l.log.Info("reconciler: session modified concurrently, skipping", zap.String("session_id", s.ID))
					continue
				}
				return fmt.Errorf("update session %s: %w", s.ID, err)
			}
			report.Changed++
			committed = append(committed, pending{res: res, owner: owner})
		}
		return nil
	})
	if err != nil {
		report.Outcome = telemetry.TickStoreFailed
		report.Changed = 0
		return report, err
	}

	for _, p := range committed {
		l.effects.Apply(ctx, p.res, p.owner, snap, telemetry.SourceReconciler)
	}
	report.Outcome = telemetry.TickOK
	return report, nil
}

type queryResult struct {
	present map[string]device.ActiveSession
	err     error
}

// queryDevice runs the device query on its own goroutine and gives up after timeout even
// when the client ignores its context.
func (l *Loop) queryDevice(ctx context.Context, accounts []string, timeout time.Duration) (map[string]device.ActiveSession, error) {
	ctx, span := l.tracer.Start(ctx, "reconciler.query_active",
		trace.WithAttributes(attribute.Int("accounts", len(accounts))))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	ch := make(chan queryResult, 1)
	go func() {
		present, err := l.device.QueryActive(ctx, accounts)
		ch <- queryResult{present: present, err: err}
	}()

	var r queryResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		r.err = device.Classify("query active", ctx.Err())
	}
	l.metrics.RecordQueryDuration(ctx, time.Since(start), r.err)
	if r.err != nil {
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		return nil, fmt.Errorf("query device: %w", r.err)
	}
	return r.present, nil
}

func (l *Loop) requireConfirmation(ctx context.Context, snap settings.Snapshot, u *userdomain.User, account string) bool {
	if l.policy == nil {
		return policy.ResolveConfirmation(u.RequireConfirmation, snap.RequireConfirmation)
	}
	return l.policy.RequireConfirmation(ctx, snap.ConfirmationPolicy, engine.ConfirmationInput{
		UserID:        u.ID,
		AccountName:   account,
		UserOverride:  u.RequireConfirmation,
		GlobalDefault: snap.RequireConfirmation,
	})
}

func accountsOf(list []*domain.Session) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s.AccountName] {
			seen[s.AccountName] = true
			out = append(out, s.AccountName)
		}
	}
	sort.Strings(out)
	return out
}

func userIDsOf(list []*domain.Session) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		if !seen[s.UserID] {
			seen[s.UserID] = true
			out = append(out, s.UserID)
		}
	}
	return out
}

func idsOf(list []*domain.Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
