package backoff

import (
	"testing"
	"time"
)

func TestSignalingPolicy(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := Signaling.Next(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestControlChannelPolicy(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 2 * time.Second},
		{2, 3 * time.Second},
		{3, 4500 * time.Millisecond},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := ControlChannel.Next(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestNegativeAttemptUsesInitial(t *testing.T) {
	if got := Signaling.Next(-3); got != 100*time.Millisecond {
		t.Fatalf("expected initial delay, got %v", got)
	}
}

func TestCounterIncreasesAndResets(t *testing.T) {
	c := NewCounter(Signaling)

	prev := c.Attempt()
	for i := 0; i < 6; i++ {
		c.Fail()
		if c.Attempt() <= prev {
			t.Fatalf("attempt did not increase: %d after %d", c.Attempt(), prev)
		}
		prev = c.Attempt()
	}

	c.Reset()
	if c.Attempt() != 0 {
		t.Fatalf("expected 0 after reset, got %d", c.Attempt())
	}
	if d := c.Fail(); d != 100*time.Millisecond {
		t.Errorf("expected first delay after reset to be initial, got %v", d)
	}
}

func TestDelaysNeverExceedMax(t *testing.T) {
	for attempt := 0; attempt < 100; attempt++ {
		if d := ControlChannel.Next(attempt); d > ControlChannel.Max {
			t.Fatalf("attempt %d exceeded max: %v", attempt, d)
		}
	}
}
