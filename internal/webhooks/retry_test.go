package webhooks

import (
	"testing"
	"time"
)

func TestDefaultRetryPolicySchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	want := map[int]time.Duration{
		1: time.Minute,
		2: 5 * time.Minute,
		3: 15 * time.Minute,
		4: time.Hour,
	}
	for attempt, delay := range want {
		got, ok := p.NextDelay(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected a retry", attempt)
		}
		if got != delay {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, delay, got)
		}
	}
	for _, attempt := range []int{5, 6, 10} {
		if _, ok := p.NextDelay(attempt); ok {
			t.Fatalf("attempt %d: expected terminal", attempt)
		}
	}
}

func TestRetryPolicyUsesLastDelayPastSchedule(t *testing.T) {
	p := RetryPolicy{Schedule: []time.Duration{time.Second, time.Minute}, MaxAttempts: 4}
	got, ok := p.NextDelay(3)
	if !ok || got != time.Minute {
		t.Fatalf("expected 1m retry, got %v ok=%v", got, ok)
	}
	if _, ok := p.NextDelay(4); ok {
		t.Fatalf("expected attempt 4 to be terminal")
	}
}

func TestRetryPolicyZeroValueFallsBackToDefaults(t *testing.T) {
	var p RetryPolicy
	got, ok := p.NextDelay(2)
	if !ok || got != 5*time.Minute {
		t.Fatalf("expected default 5m delay, got %v ok=%v", got, ok)
	}
	if _, ok := p.NextDelay(DefaultMaxAttempts); ok {
		t.Fatalf("expected default max attempts to apply")
	}
}
