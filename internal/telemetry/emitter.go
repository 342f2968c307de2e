package telemetry

import (
	"context"
	"errors"
	"time"
)

// SessionEvent is one session state change, published best-effort to the OTel log pipeline
// and Kafka. JSON field names are the wire format consumed by the event worker.
type SessionEvent struct {
	ID          string            `json:"id"`
	Event       string            `json:"event"`
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id,omitempty"`
	AccountName string            `json:"account,omitempty"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	EndReason   string            `json:"end_reason,omitempty"`
	Source      string            `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Event sources.
const (
	SourceReconciler = "reconciler"
	SourceService    = "service"
)

// EventEmitter emits session events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *SessionEvent) error
}

// Multi fans an event out to every non-nil emitter and joins their errors.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multi []EventEmitter

func (m multi) Emit(ctx context.Context, event *SessionEvent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
