package ws

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second, 0)
	now := time.Now()
	prevMin := time.Duration(0)
	for i := 0; i < 8; i++ {
		d := b.next(now)
		if d > time.Second {
			t.Fatalf("attempt %d: delay %v exceeds max", i, d)
		}
		lower := 100 * time.Millisecond << i
		if lower > time.Second {
			lower = time.Second
		}
		if d < lower {
			t.Fatalf("attempt %d: delay %v below %v", i, d, lower)
		}
		if lower < prevMin {
			t.Fatalf("lower bound decreased")
		}
		prevMin = lower
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 10*time.Second, 0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.next(now)
	}
	b.markConnected(now)
	d := b.next(now.Add(2 * time.Minute))
	if d >= 200*time.Millisecond {
		t.Fatalf("delay after stable connection = %v, want back at base", d)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Millisecond, 2)
	now := time.Now()
	b.next(now)
	if b.exhausted() {
		t.Fatal("exhausted after 1 attempt")
	}
	b.next(now)
	if !b.exhausted() {
		t.Fatal("not exhausted after 2 attempts")
	}
	b.reset()
	if b.exhausted() {
		t.Fatal("exhausted after reset")
	}
}
