package engine

import (
	"context"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := NewOPAEvaluator(nil)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicyMatchesResolution(t *testing.T) {
	e := NewOPAEvaluator(nil)
	ctx := context.Background()
	yes, no := true, false
	testCases := []struct {
		name     string
		override *bool
		global   bool
		want     bool
	}{
		{"inherit on", nil, true, true},
		{"inherit off", nil, false, false},
		{"force on", &yes, false, true},
		{"force off", &no, true, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.RequireConfirmation(ctx, "", ConfirmationInput{
				UserID: "u1", AccountName: "alice", UserOverride: tc.override, GlobalDefault: tc.global,
			})
			if got != tc.want {
				t.Errorf("RequireConfirmation = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOPAEvaluator_CustomPolicy(t *testing.T) {
	e := NewOPAEvaluator(nil)
	ctx := context.Background()
	custom := `package vpn.confirmation

default require := true

require := false if {
	input.account == "service"
}
`
	if !e.RequireConfirmation(ctx, custom, ConfirmationInput{AccountName: "alice"}) {
		t.Error("custom policy: alice should require confirmation")
	}
	if e.RequireConfirmation(ctx, custom, ConfirmationInput{AccountName: "service", GlobalDefault: true}) {
		t.Error("custom policy: service account should not require confirmation")
	}
	// switching back recompiles the default
	if e.RequireConfirmation(ctx, "", ConfirmationInput{GlobalDefault: false}) {
		t.Error("default policy with global off should not require confirmation")
	}
}

func TestOPAEvaluator_BrokenPolicyFallsBack(t *testing.T) {
	e := NewOPAEvaluator(nil)
	ctx := context.Background()
	yes := true
	if !e.RequireConfirmation(ctx, "package broken\nthis is not rego", ConfirmationInput{UserOverride: &yes}) {
		t.Error("broken policy should fall back to override=true")
	}
	if e.RequireConfirmation(ctx, "package other\n\nx := 1\n", ConfirmationInput{GlobalDefault: false}) {
		t.Error("policy without the rule should fall back to global=false")
	}
}
