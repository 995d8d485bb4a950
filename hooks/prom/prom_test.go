package prom

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "test")

	h.CacheHit("users", "k1")
	h.CacheHit("users", "k2")
	h.CacheMiss("", "k3")
	h.PopulateWaited("users", "k1", 20*time.Millisecond)
	h.PopulateBusy("users", "k1", "other")
	h.LeaseDenied("u", "other")
	h.SweepCompleted(3, 1, time.Millisecond)
	h.SweepFailed(errors.New("x"))

	if v := testutil.ToFloat64(h.lookups.WithLabelValues("users", "hit")); v != 2 {
		t.Fatalf("hits=%v", v)
	}
	if v := testutil.ToFloat64(h.lookups.WithLabelValues("default", "miss")); v != 1 {
		t.Fatalf("misses=%v", v)
	}
	if v := testutil.ToFloat64(h.populates.WithLabelValues("users", "busy")); v != 1 {
		t.Fatalf("busy=%v", v)
	}
	if v := testutil.ToFloat64(h.swept.WithLabelValues("entries")); v != 3 {
		t.Fatalf("swept entries=%v", v)
	}
	if v := testutil.ToFloat64(h.leaseDenied); v != 1 {
		t.Fatalf("denied=%v", v)
	}
	if v := testutil.ToFloat64(h.sweepErrors); v != 1 {
		t.Fatalf("sweep errors=%v", v)
	}
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "a")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	New(reg, "a")
}
