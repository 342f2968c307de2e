package logger

import "testing"

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		log, err := New(level, "")
		if err != nil {
			t.Errorf("New(%q): %v", level, err)
			continue
		}
		_ = log.Sync()
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud", ""); err == nil {
		t.Error("New with invalid level should return error")
	}
}

func TestNew_Development(t *testing.T) {
	log, err := New("debug", "development")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Error("debug level should be enabled")
	}
}
