package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/confirm"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/reconciler"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/domain"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	sessionrepo "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/repository"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/telemetry"
	userdomain "github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/user/domain"
)

// Sentinel errors for the session service; the bot and HTTP handler map them to replies.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrDecisionNotApplicable is returned when a decision arrives for a session that is no
	// longer awaiting one, has expired, or belongs to someone else.
	ErrDecisionNotApplicable = errors.New("decision not applicable")
	ErrNotSessionOwner       = errors.New("session belongs to another user")
	ErrInvalidAccount        = errors.New("account name is required")
	ErrSessionNotActive      = errors.New("session is not active")
)

// maxCASAttempts bounds retries after a concurrent update.
const maxCASAttempts = 3

// UserRepo is the minimal user repository needed by the session service.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*userdomain.User, error)
	HasAccount(ctx context.Context, userID, accountName string) (bool, error)
}

// SessionService implements the user-facing session operations. Every state change goes
// through the state machine and a versioned update; side effects run after commit.
type SessionService struct {
	sessions sessionrepo.Repository
	users    UserRepo
	device   device.Client
	settings reconciler.SnapshotSource
	effects  *reconciler.Effects
	log      *zap.Logger
	now      func() time.Time
}

// NewSessionService returns a SessionService with the given dependencies. log may be nil.
func NewSessionService(
	sessions sessionrepo.Repository,
	users UserRepo,
	dev device.Client,
	settings reconciler.SnapshotSource,
	effects *reconciler.Effects,
	log *zap.Logger,
) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionService{
		sessions: sessions,
		users:    users,
		device:   dev,
		settings: settings,
		effects:  effects,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestAccess opens a session for account. The user must be approved, hold the account
// and have no other active session. The device account is enabled before the session is
// stored; a device failure leaves nothing behind, and a store failure disables the account again.
func (s *SessionService) RequestAccess(ctx context.Context, userID, account string) (*domain.Session, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrInvalidAccount
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	if u.Status != userdomain.UserStatusApproved {
		return nil, userdomain.ErrUserNotApproved
	}
	bound, err := s.users.HasAccount(ctx, u.ID, account)
	if err != nil {
		return nil, err
	}
	if !bound {
		return nil, userdomain.ErrAccountNotBound
	}
	existing, err := s.sessions.GetActiveForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrSessionAlreadyActive
	}

	if err := s.device.SetAccountEnabled(ctx, account, true); err != nil {
		return nil, fmt.Errorf("enable device account: %w", err)
	}

	snap := s.settings.Current(ctx)
	now := s.now()
	sess := &domain.Session{
		ID:          uuid.New().String(),
		UserID:      u.ID,
		AccountName: account,
		Status:      domain.StatusRequested,
		CreatedAt:   now,
		ExpiresAt:   now.Add(snap.SessionDuration),
		UpdatedAt:   now,
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	err = s.sessions.WithTx(ctx, func(tx sessionrepo.Tx) error {
		return tx.Create(ctx, sess)
	})
	if err != nil {
		// a concurrent request won the slot and owns the account now
		if !errors.Is(err, domain.ErrSessionAlreadyActive) {
			if derr := s.device.SetAccountEnabled(ctx, account, false); derr != nil {
				s.log.Warn("disable device account after failed create", zap.String("account", account), zap.Error(derr))
			}
		}
		return nil, err
	}
	s.log.Info("session requested", zap.String("session_id", sess.ID), zap.String("user_id", u.ID),
		zap.String("account", account))

	res := machine.Result{
		Session: sess.Clone(),
		Changed: true,
		Events:  []domain.Event{domain.EventRequested},
		Actions: []machine.Action{{Kind: machine.ActionNotify, Event: domain.EventRequested}},
	}
	s.effects.Apply(ctx, res, u, snap, telemetry.SourceService)
	return sess, nil
}

// Decide applies a human answer to a confirmation prompt. Late, duplicate or foreign
// decisions return ErrDecisionNotApplicable and change nothing.
func (s *SessionService) Decide(ctx context.Context, d confirm.Decision) (*domain.Session, error) {
	decider, err := s.resolveDecider(ctx, d)
	if err != nil {
		return nil, err
	}
	snap := s.settings.Current(ctx)
	res, err := s.transition(ctx, d.SessionID, func(cur *domain.Session) (machine.Result, error) {
		if cur.UserID != decider.ID {
			return machine.Result{}, ErrDecisionNotApplicable
		}
		r, err := machine.Decide(cur, d.Answer, snap.ConfirmTimeout, s.now())
		if errors.Is(err, machine.ErrNotApplicable) {
			return machine.Result{}, ErrDecisionNotApplicable
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("session decided", zap.String("session_id", d.SessionID), zap.String("answer", string(d.Answer)),
		zap.String("status", string(res.Session.Status)))
	s.effects.Apply(ctx, res, decider, snap, telemetry.SourceService)
	return res.Session, nil
}

func (s *SessionService) resolveDecider(ctx context.Context, d confirm.Decision) (*userdomain.User, error) {
	var (
		u   *userdomain.User
		err error
	)
	switch {
	case d.DeciderUserID != "":
		u, err = s.users.GetByID(ctx, d.DeciderUserID)
	case d.DeciderTelegramID != 0:
		u, err = s.users.GetByTelegramID(ctx, d.DeciderTelegramID)
	default:
		return nil, ErrDecisionNotApplicable
	}
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrDecisionNotApplicable
	}
	return u, nil
}

// Disconnect ends the user's session. An empty sessionID means the user's current session.
func (s *SessionService) Disconnect(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	owner, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ErrUserNotFound
	}
	if sessionID == "" {
		cur, err := s.sessions.GetActiveForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, domain.ErrSessionNotFound
		}
		sessionID = cur.ID
	}
	res, err := s.transition(ctx, sessionID, func(cur *domain.Session) (machine.Result, error) {
		if cur.UserID != userID {
			return machine.Result{}, ErrNotSessionOwner
		}
		return end(cur, domain.EndReasonUserDisconnected)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("session disconnected by user", zap.String("session_id", sessionID), zap.String("user_id", userID))
	s.effects.Apply(ctx, res, owner, s.settings.Current(ctx), telemetry.SourceService)
	return res.Session, nil
}

// Revoke ends any active session on operator request.
func (s *SessionService) Revoke(ctx context.Context, sessionID string) (*domain.Session, error) {
	res, err := s.transition(ctx, sessionID, func(cur *domain.Session) (machine.Result, error) {
		return end(cur, domain.EndReasonAdminRevoked)
	})
	if err != nil {
		return nil, err
	}
	owner, err := s.users.GetByID(ctx, res.Session.UserID)
	if err != nil {
		s.log.Warn("session revoked, owner lookup failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.log.Info("session revoked", zap.String("session_id", sessionID))
	s.effects.Apply(ctx, res, owner, s.settings.Current(ctx), telemetry.SourceService)
	return res.Session, nil
}

// ListActiveForUser returns the user's active session, if any.
func (s *SessionService) ListActiveForUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	cur, err := s.sessions.GetActiveForUser(ctx, userID)
	if err != nil || cur == nil {
		return nil, err
	}
	return []*domain.Session{cur}, nil
}

// History returns the user's most recent sessions, newest first.
func (s *SessionService) History(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	return s.sessions.ListByUser(ctx, userID, limit)
}

// ListActive returns every active session.
func (s *SessionService) ListActive(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.ListActive(ctx)
}

// transition re-reads the session, applies fn and stores the result with a version check.
// A concurrent update causes a fresh read, so a loser sees the winner's status.
func (s *SessionService) transition(ctx context.Context, id string, fn func(*domain.Session) (machine.Result, error)) (machine.Result, error) {
	var res machine.Result
	for attempt := 1; ; attempt++ {
		err := s.sessions.WithTx(ctx, func(tx sessionrepo.Tx) error {
			cur, err := tx.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if cur == nil {
				return domain.ErrSessionNotFound
			}
			res, err = fn(cur)
			if err != nil {
				return err
			}
			res.Session.UpdatedAt = s.now()
			return tx.Update(ctx, res.Session)
		})
		if errors.Is(err, domain.ErrConcurrentUpdate) && attempt < maxCASAttempts {
			continue
		}
		return res, err
	}
}

func end(cur *domain.Session, reason domain.EndReason) (machine.Result, error) {
	r, err := machine.End(cur, reason)
	if errors.Is(err, machine.ErrNotApplicable) {
		return machine.Result{}, ErrSessionNotActive
	}
	return r, err
}
