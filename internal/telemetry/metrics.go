package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "vpn2fa"

// Tick outcomes recorded by RecordTick.
const (
	TickOK          = "ok"
	TickIdle        = "idle"
	TickQueryFailed = "query_failed"
	TickStoreFailed = "store_failed"
	TickSkipped     = "skipped"
)

// Metrics holds the gateway's OTel instruments. A nil *Metrics records nothing.
type Metrics struct {
	ticks         metric.Int64Counter
	transitions   metric.Int64Counter
	revocations   metric.Int64Counter
	prompts       metric.Int64Counter
	queryDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on provider's meter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	ticks, err := meter.Int64Counter("reconciler.ticks",
		metric.WithDescription("Reconciliation ticks by outcome"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("session.transitions",
		metric.WithDescription("Session status changes"))
	if err != nil {
		return nil, err
	}
	revocations, err := meter.Int64Counter("revocation.steps",
		metric.WithDescription("Access revocation steps by result"))
	if err != nil {
		return nil, err
	}
	prompts, err := meter.Int64Counter("confirm.prompts",
		metric.WithDescription("Confirmation prompts by delivery result"))
	if err != nil {
		return nil, err
	}
	queryDuration, err := meter.Float64Histogram("reconciler.query.duration",
		metric.WithDescription("Duration of the per-tick device query"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		ticks:         ticks,
		transitions:   transitions,
		revocations:   revocations,
		prompts:       prompts,
		queryDuration: queryDuration,
	}, nil
}

func (m *Metrics) RecordTick(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}

// RecordRevocationStep records one revocation step; err == nil counts as success.
func (m *Metrics) RecordRevocationStep(ctx context.Context, step string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.revocations.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step), attribute.String("result", result)))
}

func (m *Metrics) RecordPrompt(ctx context.Context, resend bool, err error) {
	if m == nil {
		return
	}
	kind := "initial"
	if resend {
		kind = "resend"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.prompts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", result)))
}

func (m *Metrics) RecordQueryDuration(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}
