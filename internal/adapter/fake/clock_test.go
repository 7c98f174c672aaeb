package fake

import (
	"context"
	"testing"
	"time"
)

func TestClock_Now(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("expected %v, got %v", start, got)
	}
}

func TestClock_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	c.Advance(5 * time.Second)
	want := start.Add(5 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestClock_Set(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	target := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	if got := c.Now(); !got.Equal(target) {
		t.Errorf("expected %v, got %v", target, got)
	}
}

func TestClock_SleepAdvances(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)

	if err := c.Sleep(t.Context(), 3*time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if err := c.Sleep(t.Context(), 2*time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("expected %v, got %v", start.Add(5*time.Second), got)
	}
	if got := c.Slept(); got != 5*time.Second {
		t.Errorf("Slept() = %v, want 5s", got)
	}
	if got := len(c.Sleeps()); got != 2 {
		t.Errorf("len(Sleeps()) = %d, want 2", got)
	}
}

func TestClock_SleepCancelled(t *testing.T) {
	c := NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Fatal("Sleep() error = nil, want context error")
	}
	if len(c.Sleeps()) != 0 {
		t.Errorf("cancelled sleep was recorded")
	}
}
