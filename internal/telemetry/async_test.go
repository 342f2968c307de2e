package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*SessionEvent
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *SessionEvent) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*SessionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*SessionEvent(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*SessionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := m.getEvents(); len(ev) >= n {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	return m.getEvents()
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, nil, &SessionEvent{Event: "expired"})
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil, nil)
	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, nil, &SessionEvent{
		Event:     "confirmed",
		SessionID: "s1",
		UserID:    "u1",
		Source:    SourceService,
	})

	events := waitForEvents(t, emitter, 1)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].SessionID != "s1" {
		t.Errorf("session_id = %q, want %q", events[0].SessionID, "s1")
	}
	if events[0].Event != "confirmed" {
		t.Errorf("event = %q, want %q", events[0].Event, "confirmed")
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: context.DeadlineExceeded}
	EmitAsync(emitter, nil, &SessionEvent{Event: "expired"})
	if events := waitForEvents(t, emitter, 1); len(events) != 1 {
		t.Errorf("expected 1 attempted event, got %d", len(events))
	}
}

func TestEmitAsync_MultipleEvents(t *testing.T) {
	emitter := &mockEventEmitter{}
	for i := 0; i < 5; i++ {
		EmitAsync(emitter, nil, &SessionEvent{Event: "connected"})
	}
	if events := waitForEvents(t, emitter, 5); len(events) != 5 {
		t.Errorf("expected 5 events, got %d", len(events))
	}
}

func TestMulti(t *testing.T) {
	a := &mockEventEmitter{}
	b := &mockEventEmitter{emitErr: errors.New("kafka down")}
	m := Multi(a, nil, b)
	err := m.Emit(context.Background(), &SessionEvent{Event: "expired"})
	if err == nil {
		t.Error("expected joined error")
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("fan-out counts = %d, %d", len(a.getEvents()), len(b.getEvents()))
	}
	if err := Multi().Emit(context.Background(), &SessionEvent{}); err != nil {
		t.Errorf("empty Multi: %v", err)
	}
}
