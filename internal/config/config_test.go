package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.HTTPAddr != ":8081" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8081")
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.DatabaseURL != "sqlite://data/app.db" {
		t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, "sqlite://data/app.db")
	}
	if cfg.MikrotikPort != 8728 {
		t.Errorf("MikrotikPort = %d, want 8728", cfg.MikrotikPort)
	}
	if cfg.PollIntervalSeconds != 5 {
		t.Errorf("PollIntervalSeconds = %d, want 5", cfg.PollIntervalSeconds)
	}
	if cfg.PollMikrotikTimeoutSeconds != 4 {
		t.Errorf("PollMikrotikTimeoutSeconds = %d, want 4", cfg.PollMikrotikTimeoutSeconds)
	}
	if !cfg.RequireConfirmation {
		t.Error("RequireConfirmation should default to true")
	}
	if cfg.ConfirmationTimeoutSeconds != 300 {
		t.Errorf("ConfirmationTimeoutSeconds = %d, want 300", cfg.ConfirmationTimeoutSeconds)
	}
	if cfg.SessionDurationHours != 24 {
		t.Errorf("SessionDurationHours = %d, want 24", cfg.SessionDurationHours)
	}
	if cfg.FirewallCommentPrefix != "2FA" {
		t.Errorf("FirewallCommentPrefix = %q, want %q", cfg.FirewallCommentPrefix, "2FA")
	}
	if cfg.SessionEventsTopic != "vpn-session-events" {
		t.Errorf("SessionEventsTopic = %q, want %q", cfg.SessionEventsTopic, "vpn-session-events")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/vpn")
	os.Setenv("POLL_INTERVAL_SECONDS", "10")
	os.Setenv("POLL_MIKROTIK_TIMEOUT_SECONDS", "8")
	os.Setenv("REQUIRE_CONFIRMATION", "false")
	os.Setenv("ADMIN_CHAT_ID", "123456789")
	os.Setenv("CONFIRMATION_MAX_RESENDS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://u:p@localhost:5432/vpn" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.PollInterval() != 10*time.Second {
		t.Errorf("PollInterval() = %v, want 10s", cfg.PollInterval())
	}
	if cfg.QueryTimeout() != 8*time.Second {
		t.Errorf("QueryTimeout() = %v, want 8s", cfg.QueryTimeout())
	}
	if cfg.RequireConfirmation {
		t.Error("RequireConfirmation = true, want false")
	}
	if cfg.AdminChatID != 123456789 {
		t.Errorf("AdminChatID = %d, want 123456789", cfg.AdminChatID)
	}
	if cfg.ConfirmationMaxResends != 3 {
		t.Errorf("ConfirmationMaxResends = %d, want 3", cfg.ConfirmationMaxResends)
	}
}

func TestLoad_QueryTimeoutMustBeShorterThanInterval(t *testing.T) {
	testCases := []struct {
		name     string
		interval string
		timeout  string
		err      bool
	}{
		{"shorter", "5", "4", false},
		{"equal", "5", "5", true},
		{"longer", "5", "9", true},
		{"zero timeout", "5", "0", true},
		{"zero interval", "0", "0", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("POLL_INTERVAL_SECONDS", tc.interval)
			os.Setenv("POLL_MIKROTIK_TIMEOUT_SECONDS", tc.timeout)
			_, err := Load()
			if tc.err && err == nil {
				t.Error("expected error")
			}
			if !tc.err && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_SettingsKey(t *testing.T) {
	os.Clearenv()
	os.Setenv("SETTINGS_KEY", "not-hex")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid SETTINGS_KEY")
	}

	os.Clearenv()
	os.Setenv("SETTINGS_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	key, err := cfg.SettingsKeyBytes()
	if err != nil {
		t.Fatalf("SettingsKeyBytes: %v", err)
	}
	if len(key) != 32 || key[31] != 0x1f {
		t.Errorf("key = %x", key)
	}
}

func TestLoad_ShortDecisionSecretInProduction(t *testing.T) {
	os.Clearenv()
	os.Setenv("APP_ENV", "production")
	os.Setenv("DECISION_TOKEN_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Error("expected error for short DECISION_TOKEN_SECRET in production")
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := &Config{
		ConfirmationTimeoutSeconds: 300,
		ConfirmationResendSeconds:  60,
		DisconnectGraceSeconds:     -1,
		SessionDurationHours:       2,
		DecisionTokenTTL:           "bogus",
		GrantCacheTTL:              "1m",
	}
	if got := cfg.ConfirmationTimeout(); got != 5*time.Minute {
		t.Errorf("ConfirmationTimeout() = %v", got)
	}
	if got := cfg.ConfirmationResend(); got != time.Minute {
		t.Errorf("ConfirmationResend() = %v", got)
	}
	if got := cfg.DisconnectGrace(); got != 0 {
		t.Errorf("DisconnectGrace() = %v, want 0 for negative", got)
	}
	if got := cfg.SessionDuration(); got != 2*time.Hour {
		t.Errorf("SessionDuration() = %v", got)
	}
	if got := cfg.DecisionTTL(); got != 10*time.Minute {
		t.Errorf("DecisionTTL() = %v, want fallback 10m", got)
	}
	if got := cfg.GrantCacheDuration(); got != time.Minute {
		t.Errorf("GrantCacheDuration() = %v", got)
	}
	if got := cfg.MikrotikTimeout(); got != 10*time.Second {
		t.Errorf("MikrotikTimeout() = %v, want fallback 10s", got)
	}
}

func TestConfig_KafkaBrokersList(t *testing.T) {
	testCases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a:9092", []string{"a:9092"}},
		{" a:9092 , ,b:9092 ", []string{"a:9092", "b:9092"}},
	}
	for _, tc := range testCases {
		cfg := &Config{KafkaBrokers: tc.in}
		got := cfg.KafkaBrokersList()
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("KafkaBrokersList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil {
		t.Error("nil config should return nil brokers")
	}
}
