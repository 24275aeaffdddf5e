package clock

import (
	"testing"
	"time"
)

func TestObserveTrustedWithinWindow(t *testing.T) {
	c := New(time.Second, 8)
	now := time.Unix(1000, 0)
	obs := c.Observe("s1", now, 999.5)
	if !obs.Trusted {
		t.Fatalf("expected trusted observation, got %+v", obs)
	}
	if obs.StorageMtime != 999.5 || obs.PrecedenceMtime != 999.5 {
		t.Fatalf("expected untouched mtime, got %+v", obs)
	}
}

func TestObserveFutureDatedIsClampedButPrecedencePreserved(t *testing.T) {
	c := New(time.Second, 8)
	now := time.Unix(1000, 0)
	// Establish a zero-skew baseline first.
	c.Observe("s1", now, 1000.0)

	future := 5000.0
	obs := c.Observe("s1", now, future)
	if obs.Trusted {
		t.Fatalf("expected untrusted observation for far-future mtime")
	}
	if obs.StorageMtime == future {
		t.Fatalf("expected StorageMtime to be clamped away from raw future mtime")
	}
	if obs.PrecedenceMtime != future {
		t.Fatalf("expected PrecedenceMtime to retain raw mtime, got %v", obs.PrecedenceMtime)
	}
}

func TestGlobalSkewConvergesToModeAcrossSessions(t *testing.T) {
	c := New(time.Second, 16)
	now := time.Unix(2000, 0)

	// Three sessions report a consistent 10s skew; one outlier reports 1s.
	for i := 0; i < 5; i++ {
		c.Observe("a", now, 1990)
		c.Observe("b", now, 1990)
		c.Observe("c", now, 1990)
	}
	c.Observe("outlier", now, 1999)

	skew := c.GlobalSkew()
	if skew != 10 {
		t.Fatalf("expected global skew to converge on the majority mode (10s), got %v", skew)
	}
}

func TestCloseSessionRemovesItsSamplesFromHistogram(t *testing.T) {
	c := New(time.Second, 16)
	now := time.Unix(3000, 0)

	for i := 0; i < 5; i++ {
		c.Observe("majority", now, 2990)
	}
	c.Observe("minority", now, 2995)

	c.CloseSession("majority")

	// With the majority session's samples gone, the minority's single
	// sample becomes the mode.
	skew := c.GlobalSkew()
	if skew != 5 {
		t.Fatalf("expected skew to reflect remaining session after close, got %v", skew)
	}
}

func TestNowFallsBackToWallClockBeforeAnyObservation(t *testing.T) {
	c := New(time.Second, 8)
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected Now() to fall back to the live wall clock, got %v", got)
	}
}
