package security

import (
	"bytes"
	"testing"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal("router-password")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "router-password" {
		t.Fatal("sealed value equals plaintext")
	}
	again, _ := s.Seal("router-password")
	if again == sealed {
		t.Error("two seals of the same value should differ")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "router-password" {
		t.Errorf("Open = %q, want %q", got, "router-password")
	}
}

func TestSealer_WrongKey(t *testing.T) {
	a, _ := NewSealer(bytes.Repeat([]byte{1}, 32))
	b, _ := NewSealer(bytes.Repeat([]byte{2}, 32))
	sealed, err := a.Seal("x")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed); err != ErrDecrypt {
		t.Errorf("Open with wrong key: want ErrDecrypt, got %v", err)
	}
	if _, err := a.Open("not base64!"); err != ErrDecrypt {
		t.Errorf("Open garbage: want ErrDecrypt, got %v", err)
	}
}

func TestSealer_NoKey(t *testing.T) {
	s, err := NewSealer(nil)
	if err != nil {
		t.Fatalf("NewSealer(nil): %v", err)
	}
	if s.Enabled() {
		t.Error("Enabled() = true without key")
	}
	if _, err := s.Seal("x"); err != ErrNoKey {
		t.Errorf("Seal: want ErrNoKey, got %v", err)
	}
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}
