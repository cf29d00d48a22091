package ohmap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestParsePolicy(t *testing.T) {
	for _, p := range []Policy{PolicyNone, PolicyTTL, PolicyHistogram, PolicySampling} {
		parsed, err := ParsePolicy(p.String())
		if err != nil || parsed != p {
			t.Errorf("Expected %s to round trip, got %s (err=%v)", p, parsed, err)
		}
	}
	if p, err := ParsePolicy(" Histogram "); err != nil || p != PolicyHistogram {
		t.Errorf("Expected case-insensitive parsing, got %s (err=%v)", p, err)
	}
	if _, err := ParsePolicy("lru"); err == nil {
		t.Errorf("Expected an error for an unknown policy")
	}
}

func TestEntriesToClean(t *testing.T) {
	m := newTestMap(t, nil)
	for i := 0; i < 100; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("v"))
	}

	if n := m.EntriesToClean(); n != 100-ConcurrencyLevel {
		t.Errorf("Expected %d entries to clean with threshold 0, got %d", 100-ConcurrencyLevel, n)
	}
	m.SetCleanupThreshold(1)
	if n := m.EntriesToClean(); n != 100 {
		t.Errorf("Expected 100 entries to clean with threshold 1, got %d", n)
	}
	m.SetCleanupThreshold(2)
	if m.CleanupThreshold() != 1 {
		t.Errorf("Expected threshold to be clamped to 1, got %v", m.CleanupThreshold())
	}
}

// --------------------------------------------------------------------------
// Policies
// --------------------------------------------------------------------------

func TestCleanupTTLRemovesEverything(t *testing.T) {
	opts := DefaultOptions()
	opts.Capacity = 100
	m := newTestMap(t, opts)

	if m.Capacity() != ConcurrencyLevel {
		t.Fatalf("Expected capacity %d, got %d", ConcurrencyLevel, m.Capacity())
	}
	baseline := m.Arena().Used()

	const keys = 70000
	for i := 0; i < keys; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("12345678"))
	}
	if m.Count() != keys {
		t.Fatalf("Expected count %d, got %d", keys, m.Count())
	}

	m.SetTimeToLive(0)
	removed := m.Cleanup(PolicyTTL)

	if removed != keys {
		t.Errorf("Expected %d removed entries, got %d", keys, removed)
	}
	if m.Count() != 0 {
		t.Errorf("Expected count 0, got %d", m.Count())
	}
	if m.Expirations() != keys {
		t.Errorf("Expected %d expirations, got %d", keys, m.Expirations())
	}
	if m.Arena().Used() != baseline {
		t.Errorf("Expected all entries to be freed, used %d, baseline %d", m.Arena().Used(), baseline)
	}
}

// fillStaggered inserts n entries, entry i written at base + i ms, and moves
// the clock one millisecond past the last write
func fillStaggered(t *testing.T, m *BytesMap, clock *fakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mustPut(t, m, fmt.Sprintf("%d", i), []byte("v"))
		clock.Advance(time.Millisecond)
	}
	clock.Advance(time.Millisecond)
}

// checkOldestRemoved verifies that the surviving keys of fillStaggered form a
// suffix, i.e. every removed entry is older than every survivor
func checkOldestRemoved(t *testing.T, m *BytesMap, n, removed int) {
	t.Helper()
	for i := 0; i < n; i++ {
		present := m.Has(fmt.Sprintf("%d", i))
		if i < removed && present {
			t.Fatalf("Expected old entry %d to be evicted", i)
		}
		if i >= removed && !present {
			t.Fatalf("Expected young entry %d to survive", i)
		}
	}
}

func TestCleanupHistogram(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	m := newTestMap(t, opts)

	const n = ConcurrencyLevel + 1000
	fillStaggered(t, m, clock, n)

	if m.EntriesToClean() != 1000 {
		t.Fatalf("Expected 1000 entries to clean, got %d", m.EntriesToClean())
	}

	// nothing to work with before the first sweep recorded a histogram
	if removed := m.Cleanup(PolicyHistogram); removed != 0 {
		t.Fatalf("Expected no removal without histogram and TTL, got %d", removed)
	}
	if hist := m.AgeHistogram(); hist.Total() != n {
		t.Fatalf("Expected histogram total %d, got %d", n, hist.Total())
	}

	// ages are 2..n+1 ms, slot 47 holds ages >= 65536: entries 0..1001
	removed := m.Cleanup(PolicyHistogram)
	if removed != 1002 {
		t.Errorf("Expected 1002 removed entries, got %d", removed)
	}
	if m.Count() != n-removed {
		t.Errorf("Expected count %d, got %d", n-removed, m.Count())
	}
	checkOldestRemoved(t, m, n, removed)

	if removed := m.Cleanup(PolicyHistogram); removed != 0 {
		t.Errorf("Expected no removal below the threshold, got %d", removed)
	}
}

func TestCleanupSampling(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	opts.CleanupThreshold = 0.99
	m := newTestMap(t, opts)

	const n = 2000
	fillStaggered(t, m, clock, n)

	toClean := m.EntriesToClean()
	if toClean != n-655 {
		t.Fatalf("Expected %d entries to clean, got %d", n-655, toClean)
	}

	removed := m.Cleanup(PolicySampling)
	if removed <= 0 || removed > n {
		t.Fatalf("Expected sampling to remove some entries, got %d", removed)
	}
	if m.Count() != n-removed {
		t.Errorf("Expected count %d, got %d", n-removed, m.Count())
	}
	checkOldestRemoved(t, m, n, removed)
}

func TestCleanupSkipsWhenBelowThreshold(t *testing.T) {
	m := newTestMap(t, nil)
	for i := 0; i < 10; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("v"))
	}

	for _, p := range []Policy{PolicyNone, PolicyHistogram, PolicySampling} {
		if removed := m.Cleanup(p); removed != 0 {
			t.Errorf("Expected %s to remove nothing, got %d", p, removed)
		}
	}
	if m.Count() != 10 {
		t.Errorf("Expected count 10, got %d", m.Count())
	}
}

// --------------------------------------------------------------------------
// Background Eviction
// --------------------------------------------------------------------------

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackgroundCleanup(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = PolicyTTL
	opts.CleanupInterval = 10 * time.Millisecond
	m := newTestMap(t, opts)

	for i := 0; i < 100; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("v"))
	}
	m.SetTimeToLive(0)

	waitFor(t, "background eviction", func() bool { return m.Count() == 0 })
	waitFor(t, "cleanup statistics", func() bool { return m.CleanupStats().Removed == 100 })

	stats := m.CleanupStats()
	if !stats.Running || stats.Policy != PolicyTTL {
		t.Errorf("Expected a running ttl cleanup, got %+v", stats)
	}
	if stats.Runs == 0 {
		t.Errorf("Expected at least one recorded run")
	}

	if err := m.StartCleanup(PolicySampling); !errors.Is(err, ErrCleanupRunning) {
		t.Errorf("Expected ErrCleanupRunning, got %v", err)
	}

	m.StopCleanup()
	if m.CleanupStats().Running {
		t.Errorf("Expected cleanup to be stopped")
	}
	if err := m.StartCleanup(PolicySampling); err != nil {
		t.Errorf("Expected restart to succeed, got %v", err)
	}
}

func TestCleanerSurvivesPanic(t *testing.T) {
	var calls atomic.Int64
	c := newCleaner("test", PolicyTTL, func() time.Duration { return time.Millisecond }, func() int {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return 1
	})
	c.start(context.Background())

	waitFor(t, "cleanup runs after a panic", func() bool { return calls.Load() >= 3 })
	c.stop()

	select {
	case <-c.done:
	default:
		t.Fatalf("Expected the loop to have exited")
	}
	if stats := c.stats(); stats.Removed < 2 {
		t.Errorf("Expected at least 2 removed entries after the panic, got %d", stats.Removed)
	}
}

func TestCleanerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newCleaner("test", PolicyTTL, func() time.Duration { return time.Hour }, func() int { return 0 })
	c.start(ctx)
	cancel()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Expected the loop to exit when its context is cancelled")
	}
}
