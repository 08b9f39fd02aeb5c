package logger

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("format %s: unexpected error: %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Fatalf("format %s: expected debug to be enabled", format)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
