package chatserver

import "testing"

func TestConnLimitersBurstThenThrottles(t *testing.T) {
	l := NewConnLimiters(1, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow(42) {
			t.Fatalf("Allow #%d within burst = false, want true", i)
		}
	}
	if l.Allow(42) {
		t.Fatal("Allow beyond burst = true, want false")
	}
}

func TestConnLimitersIndependentPerFD(t *testing.T) {
	l := NewConnLimiters(1, 1)
	if !l.Allow(1) {
		t.Fatal("Allow(1) = false, want true")
	}
	if !l.Allow(2) {
		t.Fatal("Allow(2) = false, want true (independent bucket from fd 1)")
	}
}

func TestConnLimitersDisabledWhenPerSecNonPositive(t *testing.T) {
	l := NewConnLimiters(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow(5) {
			t.Fatal("Allow with disabled rate limiting returned false")
		}
	}
}

func TestConnLimitersReleaseResetsBucket(t *testing.T) {
	l := NewConnLimiters(1, 1)
	l.Allow(9)
	if l.Allow(9) {
		t.Fatal("second Allow before Release = true, want false")
	}
	l.Release(9)
	if !l.Allow(9) {
		t.Fatal("Allow after Release = false, want true")
	}
}
