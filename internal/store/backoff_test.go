package store

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		attempt  int
		base     time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{"zero attempts always due", BackoffExponential, 0, time.Second, time.Minute, 0},
		{"none", BackoffNone, 3, time.Second, time.Minute, 0},
		{"fixed", BackoffFixed, 3, 2 * time.Second, time.Minute, 2 * time.Second},
		{"linear", BackoffLinear, 3, time.Second, time.Minute, 3 * time.Second},
		{"exponential first", BackoffExponential, 1, time.Second, time.Minute, time.Second},
		{"exponential doubles", BackoffExponential, 3, time.Second, time.Minute, 4 * time.Second},
		{"exponential capped", BackoffExponential, 10, time.Second, 30 * time.Second, 30 * time.Second},
		{"control variant cap", BackoffExponential, 8, time.Second, 60 * time.Second, 60 * time.Second},
		{"unknown strategy is exponential", "bogus", 2, time.Second, time.Minute, 2 * time.Second},
		{"huge attempt does not overflow", BackoffExponential, 500, time.Second, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateBackoff(tt.strategy, tt.attempt, tt.base, tt.max)
			if got != tt.want {
				t.Errorf("CalculateBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoffMonotonicUntilCap(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := CalculateBackoff(BackoffExponential, attempt, time.Second, 60*time.Second)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != 60*time.Second {
		t.Errorf("final backoff = %v, want cap 60s", prev)
	}
}
