package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/config"
	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/settings/repository"
)

type mockSettingsRepo struct {
	values map[string]string
	err    error
}

func (m *mockSettingsRepo) All(context.Context) (map[string]string, []error, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil, nil
}

func (m *mockSettingsRepo) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *mockSettingsRepo) Set(_ context.Context, s repository.Setting) error {
	m.values[s.Key] = s.Value
	return nil
}

func (m *mockSettingsRepo) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func baseConfig() *config.Config {
	return &config.Config{
		PollIntervalSeconds:        5,
		PollMikrotikTimeoutSeconds: 4,
		RequireConfirmation:        true,
		ConfirmationTimeoutSeconds: 300,
		SessionDurationHours:       24,
		FirewallCommentPrefix:      "2FA",
		MikrotikHost:               "192.168.88.1",
		MikrotikPort:               8728,
		MikrotikUsername:           "api",
	}
}

func TestFromConfig(t *testing.T) {
	s := FromConfig(baseConfig())
	if s.Grace != 30*time.Second {
		t.Errorf("Grace = %v, want 30s fallback", s.Grace)
	}
	if s.ConfirmTimeout != 5*time.Minute || s.SessionDuration != 24*time.Hour {
		t.Errorf("ConfirmTimeout = %v SessionDuration = %v", s.ConfirmTimeout, s.SessionDuration)
	}
	if got := s.GrantTag("alice"); got != "2FA alice" {
		t.Errorf("GrantTag = %q", got)
	}
	p := s.Policy(false)
	if p.RequireConfirmation || p.Grace != s.Grace || p.ConfirmTimeout != s.ConfirmTimeout {
		t.Errorf("Policy = %+v", p)
	}

	cfg := baseConfig()
	cfg.PollIntervalSeconds = 20
	if g := FromConfig(cfg).Grace; g != 40*time.Second {
		t.Errorf("Grace with 20s poll = %v, want 40s", g)
	}
	cfg.DisconnectGraceSeconds = 90
	if g := FromConfig(cfg).Grace; g != 90*time.Second {
		t.Errorf("configured Grace = %v, want 90s", g)
	}
}

func TestApply(t *testing.T) {
	base := FromConfig(baseConfig())
	testCases := []struct {
		name   string
		values map[string]string
		check  func(t *testing.T, s Snapshot)
	}{
		{"empty", nil, func(t *testing.T, s Snapshot) {
			if s != base {
				t.Errorf("snapshot changed without overrides")
			}
		}},
		{"durations", map[string]string{
			KeySessionDurationHours:       "8",
			KeyConfirmationTimeoutSeconds: "120",
			KeyConfirmationResendSeconds:  "30",
			KeyConfirmationMaxResends:     "3",
			KeyDisconnectGraceSeconds:     "45",
		}, func(t *testing.T, s Snapshot) {
			if s.SessionDuration != 8*time.Hour || s.ConfirmTimeout != 2*time.Minute {
				t.Errorf("SessionDuration = %v ConfirmTimeout = %v", s.SessionDuration, s.ConfirmTimeout)
			}
			if s.ResendInterval != 30*time.Second || s.MaxResends != 3 {
				t.Errorf("ResendInterval = %v MaxResends = %d", s.ResendInterval, s.MaxResends)
			}
			if s.Grace != 45*time.Second {
				t.Errorf("Grace = %v, want 45s", s.Grace)
			}
		}},
		{"invalid values keep base", map[string]string{
			KeySessionDurationHours:       "0",
			KeyConfirmationTimeoutSeconds: "soon",
			KeyConfirmationMaxResends:     "-1",
			KeyRequireConfirmation:        "maybe",
			KeyMikrotikPort:               "70000",
		}, func(t *testing.T, s Snapshot) {
			if s != base {
				t.Errorf("invalid overrides applied: %+v", s)
			}
		}},
		{"confirmation and device", map[string]string{
			KeyRequireConfirmation:   "no",
			KeyFirewallCommentPrefix: " VPN ",
			KeyMikrotikHost:          "10.0.0.1",
			KeyMikrotikPort:          "8729",
			KeyMikrotikUseSSL:        "true",
			KeyMikrotikPassword:      "pw",
			KeyConfirmationPolicy:    "package vpn.confirmation\nrequire := true",
		}, func(t *testing.T, s Snapshot) {
			if s.RequireConfirmation {
				t.Error("RequireConfirmation = true, want false")
			}
			if s.GrantTag("bob") != "VPN bob" {
				t.Errorf("GrantTag = %q", s.GrantTag("bob"))
			}
			if s.Device.Address() != "10.0.0.1:8729" || !s.Device.UseSSL || s.Device.Password != "pw" {
				t.Errorf("Device = %+v", s.Device)
			}
			if s.Device.Username != "api" {
				t.Errorf("Device.Username = %q, want base value", s.Device.Username)
			}
			if s.ConfirmationPolicy == "" {
				t.Error("ConfirmationPolicy not applied")
			}
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, Apply(base, tc.values, nil))
		})
	}
}

func TestSource_Current(t *testing.T) {
	base := FromConfig(baseConfig())
	repo := &mockSettingsRepo{values: map[string]string{}}
	src := NewSource(base, repo, nil)
	var seen []Snapshot
	src.OnChange(func(s Snapshot) { seen = append(seen, s) })
	ctx := context.Background()

	if got := src.Current(ctx); got != base {
		t.Errorf("Current without overrides differs from base")
	}
	if len(seen) != 0 {
		t.Errorf("observers called %d times, want 0", len(seen))
	}

	repo.values[KeyConfirmationTimeoutSeconds] = "60"
	got := src.Current(ctx)
	if got.ConfirmTimeout != time.Minute {
		t.Errorf("ConfirmTimeout = %v, want 1m", got.ConfirmTimeout)
	}
	src.Current(ctx)
	if len(seen) != 1 {
		t.Errorf("observers called %d times, want 1", len(seen))
	}

	repo.err = errors.New("database is locked")
	if got := src.Current(ctx); got.ConfirmTimeout != time.Minute {
		t.Errorf("after load failure ConfirmTimeout = %v, want previous 1m", got.ConfirmTimeout)
	}
}

func TestSource_NilRepo(t *testing.T) {
	base := FromConfig(baseConfig())
	if got := NewSource(base, nil, nil).Current(context.Background()); got != base {
		t.Error("nil repo should return base snapshot")
	}
}
