package ohmap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/oKV/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/valyala/fastrand"
)

var cleanupLogger = logger.GetLogger("cleanup")

// ErrCleanupRunning is returned by StartCleanup when the map already runs a
// background eviction goroutine
var ErrCleanupRunning = errors.New("ohmap: cleanup already running")

// ErrClosed is returned when a closed map is asked to start work
var ErrClosed = errors.New("ohmap: map closed")

// --------------------------------------------------------------------------
// Policies
// --------------------------------------------------------------------------

// Policy selects how an eviction run computes its age threshold
type Policy int

const (
	PolicyNone      Policy = iota // No background eviction
	PolicyTTL                     // Remove entries older than the time to live
	PolicyHistogram               // Derive the threshold from the age histogram of the last sweep
	PolicySampling                // Derive the threshold from a sample of entry timestamps
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyTTL:
		return "ttl"
	case PolicyHistogram:
		return "histogram"
	case PolicySampling:
		return "sampling"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a policy name as returned by Policy.String
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PolicyNone, nil
	case "ttl":
		return PolicyTTL, nil
	case "histogram":
		return PolicyHistogram, nil
	case "sampling":
		return PolicySampling, nil
	default:
		return PolicyNone, fmt.Errorf("unknown eviction policy %q (valid: none, ttl, histogram, sampling)", s)
	}
}

const (
	maxSamples = 1000 // upper bound of timestamps collected per sampling run
	minSamples = 50   // sampling moves to the next stripe until this many are collected
)

// Cleanup runs one eviction cycle of policy and returns the number of removed
// entries. Adaptive policies do nothing when EntriesToClean is not positive.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Cleanup(policy Policy) int {
	threshold, ok := m.threshold(policy)
	if !ok {
		return 0
	}
	return m.removeExpired(threshold)
}

// threshold returns the age in milliseconds above which policy evicts entries.
// ok is false when the run should be skipped.
func (m *Map[K, V, X]) threshold(policy Policy) (age int64, ok bool) {
	switch policy {
	case PolicyTTL:
		return m.timeToLive.Load(), true
	case PolicyHistogram:
		return m.histogramThreshold()
	case PolicySampling:
		return m.samplingThreshold()
	default:
		return 0, false
	}
}

// histogramThreshold accumulates the histogram of the last sweep from the
// oldest slot on until it covers EntriesToClean entries and returns the lower
// age bound of that slot. It falls back to the time to live when the histogram
// does not cover enough entries.
func (m *Map[K, V, X]) histogramThreshold() (int64, bool) {
	toClean := int64(m.EntriesToClean())
	if toClean <= 0 {
		return 0, false
	}

	hist := m.histogram.Load()
	var expected int64
	for slot := 1; slot < len(hist); slot++ {
		expected += hist[slot]
		if expected >= toClean {
			age := MinAge(slot)
			cleanupLogger.Debugf("%s: histogram slot %d covers %d of %d entries, threshold %d ms",
				m.name, slot, expected, toClean, age)
			return age, true
		}
	}
	return m.timeToLive.Load(), true
}

// samplingThreshold collects up to maxSamples entry timestamps, starting at a
// random stripe, and selects the timestamp below which the sampled share of
// entries matches the share that has to be removed.
func (m *Map[K, V, X]) samplingThreshold() (int64, bool) {
	toClean := m.EntriesToClean()
	if toClean <= 0 {
		return 0, false
	}

	timestamps := make([]int64, maxSamples)
	samples := m.collectSamples(timestamps)
	if samples == 0 {
		return 0, false
	}

	count := m.Count()
	k := 0
	if toClean < count {
		k = int(int64(samples) * int64(toClean) / int64(count))
	}
	selected := util.SelectInt64(timestamps[:samples], k)
	age := m.now() - selected
	cleanupLogger.Debugf("%s: sampled %d timestamps, selected #%d, threshold %d ms", m.name, samples, k, age)
	return age, true
}

func (m *Map[K, V, X]) collectSamples(timestamps []int64) int {
	start := int(fastrand.Uint32n(ConcurrencyLevel))
	samples := 0
	for stripe := start; ; {
		samples = m.sampleStripe(stripe, timestamps, samples)
		if samples >= len(timestamps) {
			return samples
		}
		stripe = (stripe + 1) & stripeMask
		if samples >= minSamples || stripe == start {
			return samples
		}
	}
}

func (m *Map[K, V, X]) sampleStripe(stripe int, timestamps []int64, samples int) int {
	lock := &m.locks[stripe]
	lock.RLock()
	defer lock.RUnlock()

	for bucket := stripe; bucket < m.capacity; bucket += ConcurrencyLevel {
		for e := m.bucketAt(bucket).load(); !e.IsNull(); e = e.next() {
			if samples == len(timestamps) {
				return samples
			}
			timestamps[samples] = e.Timestamp()
			samples++
		}
	}
	return samples
}

// --------------------------------------------------------------------------
// Background Eviction
// --------------------------------------------------------------------------

// CleanupStats summarizes the background eviction runs of a map
type CleanupStats struct {
	Policy     Policy  `json:"policy"`
	Running    bool    `json:"running"`
	Runs       int64   `json:"runs"`
	Removed    int64   `json:"removed"`
	MeanMillis float64 `json:"mean_ms"`
	MaxMillis  int64   `json:"max_ms"`
	P99Millis  float64 `json:"p99_ms"`
}

// cleaner runs an eviction function periodically on its own goroutine
type cleaner struct {
	name     string
	policy   Policy
	run      func() int
	interval func() time.Duration

	durations gometrics.Histogram // run durations in milliseconds
	removed   gometrics.Counter

	cancel context.CancelFunc
	done   chan struct{}
}

func newCleaner(name string, policy Policy, interval func() time.Duration, run func() int) *cleaner {
	return &cleaner{
		name:      name,
		policy:    policy,
		run:       run,
		interval:  interval,
		durations: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
		removed:   gometrics.NewCounter(),
		done:      make(chan struct{}),
	}
}

func (c *cleaner) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

func (c *cleaner) loop(ctx context.Context) {
	defer close(c.done)

	timer := time.NewTimer(c.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		c.cycle()
		timer.Reset(c.interval())
	}
}

// cycle runs one eviction. A panic is logged and the loop keeps going.
func (c *cleaner) cycle() {
	defer func() {
		if r := recover(); r != nil {
			cleanupLogger.Errorf("%s: %s cleanup failed: %v", c.name, c.policy, r)
		}
	}()

	start := time.Now()
	removed := c.run()
	elapsed := time.Since(start).Milliseconds()

	c.durations.Update(elapsed)
	c.removed.Inc(int64(removed))
	cleanupLogger.Infof("%s: %s cleanup removed %d entries in %d ms", c.name, c.policy, removed, elapsed)
}

func (c *cleaner) stop() {
	c.cancel()
	<-c.done
}

func (c *cleaner) stats() CleanupStats {
	snapshot := c.durations.Snapshot()
	return CleanupStats{
		Policy:     c.policy,
		Runs:       snapshot.Count(),
		Removed:    c.removed.Count(),
		MeanMillis: snapshot.Mean(),
		MaxMillis:  snapshot.Max(),
		P99Millis:  snapshot.Percentile(0.99),
	}
}

// StartCleanup starts the background eviction goroutine for policy. It runs
// until StopCleanup or Close is called.
func (m *Map[K, V, X]) StartCleanup(policy Policy) error {
	if policy == PolicyNone {
		return nil
	}

	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if m.cleaner != nil {
		return ErrCleanupRunning
	}
	m.cleaner = newCleaner(m.name, policy, m.CleanupInterval, func() int {
		return m.Cleanup(policy)
	})
	m.cleaner.start(context.Background())
	cleanupLogger.Infof("%s: started %s cleanup every %s", m.name, policy, m.CleanupInterval())
	return nil
}

// StopCleanup stops the background eviction goroutine and waits for a run in
// progress to finish. It is a no-op if no goroutine runs.
func (m *Map[K, V, X]) StopCleanup() {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.cleaner == nil {
		return
	}
	m.cleaner.stop()
	cleanupLogger.Infof("%s: stopped %s cleanup", m.name, m.cleaner.policy)
	m.cleaner = nil
}

// CleanupStats returns statistics about the running background eviction
func (m *Map[K, V, X]) CleanupStats() CleanupStats {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if m.cleaner == nil {
		return CleanupStats{Policy: PolicyNone}
	}
	stats := m.cleaner.stats()
	stats.Running = true
	return stats
}
