// Package engine evaluates the confirmation-requirement policy with OPA Rego.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"github.com/netcore-24/2FA-Mikrotik-TG-Only/internal/policy"
)

const confirmationQuery = "data.vpn.confirmation.require"

// DefaultPolicy matches policy.ResolveConfirmation: a per-user override wins over the global flag.
const DefaultPolicy = `package vpn.confirmation

default require := false

require if {
	input.user.require_confirmation == null
	input.global.require_confirmation
}

require if {
	input.user.require_confirmation == true
}
`

// ConfirmationInput is the policy input for one session.
type ConfirmationInput struct {
	UserID        string
	AccountName   string
	UserOverride  *bool
	GlobalDefault bool
}

// OPAEvaluator decides whether a session requires human confirmation.
// Operators may replace DefaultPolicy at runtime; the last compiled source is cached.
type OPAEvaluator struct {
	log *zap.Logger

	mu       sync.Mutex
	source   string
	prepared *rego.PreparedEvalQuery
}

// NewOPAEvaluator returns an OPA-based confirmation evaluator. log may be nil.
func NewOPAEvaluator(log *zap.Logger) *OPAEvaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &OPAEvaluator{log: log}
}

// HealthCheck verifies that the in-process OPA Rego engine can compile and evaluate the default policy.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	pq, err := e.prepare(ctx, DefaultPolicy)
	if err != nil {
		return err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(buildInput(ConfirmationInput{GlobalDefault: true})))
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// RequireConfirmation evaluates policySource (DefaultPolicy when empty) for in.
// On any compile or evaluation failure it logs and falls back to policy.ResolveConfirmation.
func (e *OPAEvaluator) RequireConfirmation(ctx context.Context, policySource string, in ConfirmationInput) bool {
	fallback := policy.ResolveConfirmation(in.UserOverride, in.GlobalDefault)
	if policySource == "" {
		policySource = DefaultPolicy
	}
	pq, err := e.prepare(ctx, policySource)
	if err != nil {
		e.log.Warn("confirmation policy: compile failed, using default resolution", zap.Error(err))
		return fallback
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		e.log.Warn("confirmation policy: evaluation failed, using default resolution", zap.Error(err))
		return fallback
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fallback
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		e.log.Warn("confirmation policy: non-boolean result, using default resolution",
			zap.Any("value", rs[0].Expressions[0].Value))
		return fallback
	}
	return v
}

func (e *OPAEvaluator) prepare(ctx context.Context, source string) (*rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prepared != nil && e.source == source {
		return e.prepared, nil
	}
	compiler, err := ast.CompileModules(map[string]string{"confirmation.rego": source})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(confirmationQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	e.source = source
	e.prepared = &pq
	return e.prepared, nil
}

func buildInput(in ConfirmationInput) map[string]interface{} {
	var override interface{}
	if in.UserOverride != nil {
		override = *in.UserOverride
	}
	return map[string]interface{}{
		"user": map[string]interface{}{
			"id":                   in.UserID,
			"require_confirmation": override,
		},
		"account": in.AccountName,
		"global": map[string]interface{}{
			"require_confirmation": in.GlobalDefault,
		},
	}
}
