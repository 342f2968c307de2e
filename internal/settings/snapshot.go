// Package settings builds the immutable configuration snapshot each reconciliation tick runs with.
// Static values come from the environment; operators may override a subset at runtime through
// the app_settings table.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/config"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/device/routeros"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/session/machine"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
)

// Runtime override keys.
const (
	KeySessionDurationHours       = "session_duration_hours"
	KeyConfirmationTimeoutSeconds = "confirmation_timeout_seconds"
	KeyConfirmationResendSeconds  = "confirmation_resend_seconds"
	KeyConfirmationMaxResends     = "confirmation_max_resends"
	KeyDisconnectGraceSeconds     = "disconnect_grace_seconds"
	KeyRequireConfirmation        = "require_confirmation"
	KeyFirewallCommentPrefix      = "firewall_comment_prefix"
	KeyConfirmationPolicy         = "confirmation_policy"
	KeyMikrotikHost               = "mikrotik_host"
	KeyMikrotikPort               = "mikrotik_port"
	KeyMikrotikUseSSL             = "mikrotik_use_ssl"
	KeyMikrotikUsername           = "mikrotik_username"
	KeyMikrotikPassword           = "mikrotik_password"
)

// SecretKeys lists keys whose values are sealed at rest.
var SecretKeys = map[string]bool{KeyMikrotikPassword: true}

// Snapshot is the configuration one tick or one request runs with. It is never mutated
// after construction.
type Snapshot struct {
	PollInterval time.Duration
	QueryTimeout time.Duration

	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	ResendInterval      time.Duration
	MaxResends          int
	// ConfiguredGrace is the raw setting; Grace applies the fallback.
	ConfiguredGrace time.Duration
	Grace           time.Duration
	SessionDuration time.Duration
	FirewallPrefix  string
	// ConfirmationPolicy is Rego source; empty uses the built-in policy.
	ConfirmationPolicy string

	Device routeros.Config
}

// Policy returns the state machine policy for a session whose confirmation requirement
// has already been resolved.
func (s Snapshot) Policy(requireConfirmation bool) machine.Policy {
	return machine.Policy{
		RequireConfirmation: requireConfirmation,
		ConfirmTimeout:      s.ConfirmTimeout,
		ResendInterval:      s.ResendInterval,
		MaxResends:          s.MaxResends,
		Grace:               s.Grace,
	}
}

// GrantTag returns the heuristic firewall comment for account.
func (s Snapshot) GrantTag(account string) string {
	return strings.TrimSpace(s.FirewallPrefix + " " + account)
}

// FromConfig builds the static snapshot.
func FromConfig(cfg *config.Config) Snapshot {
	s := Snapshot{
		PollInterval:        cfg.PollInterval(),
		QueryTimeout:        cfg.QueryTimeout(),
		RequireConfirmation: cfg.RequireConfirmation,
		ConfirmTimeout:      cfg.ConfirmationTimeout(),
		ResendInterval:      cfg.ConfirmationResend(),
		MaxResends:          cfg.ConfirmationMaxResends,
		ConfiguredGrace:     cfg.DisconnectGrace(),
		SessionDuration:     cfg.SessionDuration(),
		FirewallPrefix:      cfg.FirewallCommentPrefix,
		Device: routeros.Config{
			Host:     cfg.MikrotikHost,
			Port:     cfg.MikrotikPort,
			UseSSL:   cfg.MikrotikUseSSL,
			Username: cfg.MikrotikUsername,
			Password: cfg.MikrotikPassword,
			Timeout:  cfg.MikrotikTimeout(),
		},
	}
	s.Grace = machine.EffectiveGrace(s.ConfiguredGrace, s.PollInterval)
	return s
}

// Source merges the static snapshot with runtime overrides. Poll interval and query
// timeout are fixed for the life of the process.
type Source struct {
	base Snapshot
	repo repository.Repository
	log  *zap.Logger

	mu        sync.Mutex
	last      Snapshot
	observers []func(Snapshot)
}

// NewSource returns a Source. repo may be nil, in which case the static snapshot is always returned.
func NewSource(base Snapshot, repo repository.Repository, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{base: base, repo: repo, log: log, last: base}
}

// OnChange registers fn to be called with every snapshot that differs from the previous one.
func (s *Source) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Current reloads overrides and returns the resulting snapshot. If the overrides cannot be
// read the previous snapshot is returned.
func (s *Source) Current(ctx context.Context) Snapshot {
	if s.repo == nil {
		return s.base
	}
	values, skipped, err := s.repo.All(ctx)
	if err != nil {
		s.log.Warn("settings: load overrides failed, keeping previous snapshot", zap.Error(err))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.last
	}
	for _, e := range skipped {
		s.log.Warn("settings: override ignored", zap.Error(e))
	}
	snap := Apply(s.base, values, s.log)

	s.mu.Lock()
	changed := snap != s.last
	s.last = snap
	observers := append([]func(Snapshot){}, s.observers...)
	s.mu.Unlock()
	if changed {
		for _, fn := range observers {
			fn(snap)
		}
	}
	return snap
}

// Apply returns base with values applied. Invalid values are logged and skipped.
func Apply(base Snapshot, values map[string]string, log *zap.Logger) Snapshot {
	if log == nil {
		log = zap.NewNop()
	}
	s := base
	invalid := func(key, value string) {
		log.Warn("settings: invalid override ignored", zap.String("key", key), zap.String("value", value))
	}
	seconds := func(key string, min int, dst *time.Duration) {
		v, ok := values[key]
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < min {
			invalid(key, v)
			return
		}
		*dst = time.Duration(n) * time.Second
	}

	if v, ok := values[KeySessionDurationHours]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			s.SessionDuration = time.Duration(n) * time.Hour
		} else {
			invalid(KeySessionDurationHours, v)
		}
	}
	seconds(KeyConfirmationTimeoutSeconds, 1, &s.ConfirmTimeout)
	seconds(KeyConfirmationResendSeconds, 0, &s.ResendInterval)
	seconds(KeyDisconnectGraceSeconds, 0, &s.ConfiguredGrace)
	if v, ok := values[KeyConfirmationMaxResends]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			s.MaxResends = n
		} else {
			invalid(KeyConfirmationMaxResends, v)
		}
	}
	if v, ok := values[KeyRequireConfirmation]; ok {
		if b, err := parseBool(v); err == nil {
			s.RequireConfirmation = b
		} else {
			invalid(KeyRequireConfirmation, v)
		}
	}
	if v, ok := values[KeyFirewallCommentPrefix]; ok {
		s.FirewallPrefix = strings.TrimSpace(v)
	}
	if v, ok := values[KeyConfirmationPolicy]; ok {
		s.ConfirmationPolicy = v
	}

	if v, ok := values[KeyMikrotikHost]; ok && strings.TrimSpace(v) != "" {
		s.Device.Host = strings.TrimSpace(v)
	}
	if v, ok := values[KeyMikrotikPort]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 && n < 65536 {
			s.Device.Port = n
		} else {
			invalid(KeyMikrotikPort, v)
		}
	}
	if v, ok := values[KeyMikrotikUseSSL]; ok {
		if b, err := parseBool(v); err == nil {
			s.Device.UseSSL = b
		} else {
			invalid(KeyMikrotikUseSSL, v)
		}
	}
	if v, ok := values[KeyMikrotikUsername]; ok && strings.TrimSpace(v) != "" {
		s.Device.Username = strings.TrimSpace(v)
	}
	if v, ok := values[KeyMikrotikPassword]; ok && v != "" {
		s.Device.Password = v
	}

	s.Grace = machine.EffectiveGrace(s.ConfiguredGrace, s.PollInterval)
	return s
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}
