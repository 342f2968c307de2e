package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit"
	auditrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/audit/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm/confirmtest"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/db/dbtest"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device/devicetest"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	sessionrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
	userrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/repository"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testSnapshot() settings.Snapshot {
	return settings.Snapshot{
		PollInterval:        time.Second,
		QueryTimeout:        time.Second,
		RequireConfirmation: true,
		ConfirmTimeout:      5 * time.Minute,
		ResendInterval:      time.Minute,
		MaxResends:          2,
		Grace:               30 * time.Second,
		SessionDuration:     24 * time.Hour,
		FirewallPrefix:      "2FA",
	}
}

type env struct {
	t        *testing.T
	conn     *db.DB
	sessions *sessionrepo.SQLRepository
	users    *userrepo.SQLRepository
	audits   *auditrepo.SQLRepository
	dev      *devicetest.Fake
	rec      *confirmtest.Recorder
	loop     *Loop
	effects  *Effects
	now      time.Time
}

func newEnv(t *testing.T, snap settings.Snapshot) *env {
	t.Helper()
	conn := dbtest.Open(t)
	e := &env{
		t:        t,
		conn:     conn,
		sessions: sessionrepo.NewSQLRepository(conn),
		users:    userrepo.NewSQLRepository(conn),
		audits:   auditrepo.NewSQLRepository(conn),
		dev:      devicetest.New(),
		rec:      &confirmtest.Recorder{},
		now:      t0,
	}
	clock := func() time.Time { return e.now }
	e.effects = &Effects{
		Sessions: e.sessions,
		Device:   e.dev,
		Channel:  e.rec,
		Notifier: e.rec,
		Audit:    audit.NewLogger(e.audits, nil),
		Now:      clock,
	}
	e.loop = New(Deps{
		Sessions: e.sessions,
		Users:    e.users,
		Device:   e.dev,
		Settings: StaticSnapshot(snap),
		Effects:  e.effects,
	})
	e.loop.now = clock
	return e
}

func (e *env) addUser(id string, telegramID int64, requireConfirmation *bool) *userdomain.User {
	e.t.Helper()
	u := &userdomain.User{
		ID:                  id,
		TelegramID:          telegramID,
		Status:              userdomain.UserStatusApproved,
		RequireConfirmation: requireConfirmation,
		CreatedAt:           t0.Add(-time.Hour),
	}
	if err := e.users.Create(context.Background(), u); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	return u
}

func (e *env) addSession(s *domain.Session) {
	e.t.Helper()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = t0
	}
	if s.ExpiresAt.IsZero() {
		s.ExpiresAt = s.CreatedAt.Add(24 * time.Hour)
	}
	if s.Status == "" {
		s.Status = domain.StatusRequested
	}
	ctx := context.Background()
	if err := e.sessions.WithTx(ctx, func(tx sessionrepo.Tx) error { return tx.Create(ctx, s) }); err != nil {
		e.t.Fatalf("create session: %v", err)
	}
}

func (e *env) get(id string) *domain.Session {
	e.t.Helper()
	s, err := e.sessions.GetByID(context.Background(), id)
	if err != nil || s == nil {
		e.t.Fatalf("GetByID(%s) = %v, %v", id, s, err)
	}
	return s
}

func (e *env) tick() TickReport {
	e.t.Helper()
	r, err := e.loop.Tick(context.Background())
	if err != nil {
		e.t.Fatalf("Tick: %v", err)
	}
	return r
}

func (e *env) auditActions(sessionID string) []string {
	e.t.Helper()
	logs, err := e.audits.ListBySession(context.Background(), sessionID, 100)
	if err != nil {
		e.t.Fatalf("ListBySession: %v", err)
	}
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
