package ohmap

import (
	"math/bits"
	"time"
)

// --------------------------------------------------------------------------
// Age Histogram
// --------------------------------------------------------------------------

// AgeHistogram counts entries by age. Slot i holds entries whose age in
// milliseconds has i leading zero bits, so slot 1 holds the oldest entries
// and slot 64 entries younger than one millisecond. Slot 0 is only used for
// negative ages caused by clock jumps.
type AgeHistogram [65]int64

func (h *AgeHistogram) add(age int64) {
	h[bits.LeadingZeros64(uint64(age))]++
}

// Total returns the number of recorded entries
func (h *AgeHistogram) Total() int64 {
	var total int64
	for _, n := range h {
		total += n
	}
	return total
}

// MinAge returns the smallest age in milliseconds of an entry counted in slot i
func MinAge(slot int) int64 {
	if slot <= 0 {
		return 0
	}
	return int64(uint64(1<<63) >> slot)
}

// --------------------------------------------------------------------------
// Bulk Expiration
// --------------------------------------------------------------------------

// RemoveExpired removes every entry whose age is at least maxAge, records the
// ages of the remaining entries in a new age histogram and returns the number
// of removed entries. Stripes are locked one at a time, so concurrent
// operations only wait for the stripe being swept.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) RemoveExpired(maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = 0
	}
	return m.removeExpired(maxAge.Milliseconds())
}

func (m *Map[K, V, X]) removeExpired(maxAge int64) int {
	hist := new(AgeHistogram)
	start := m.now()

	removed := 0
	for stripe := 0; stripe < ConcurrencyLevel; stripe++ {
		removed += m.sweepStripe(stripe, start, maxAge, hist)
	}

	m.histogram.Store(hist)
	m.count.Add(-int64(removed))
	m.expirations.Add(int64(removed))
	return removed
}

// sweepStripe removes the expired entries of all buckets guarded by stripe
func (m *Map[K, V, X]) sweepStripe(stripe int, start, maxAge int64, hist *AgeHistogram) int {
	lock := &m.locks[stripe]
	lock.Lock()
	defer lock.Unlock()

	removed := 0
	for bucket := stripe; bucket < m.capacity; bucket += ConcurrencyLevel {
		c := m.bucketAt(bucket)
		for e := c.load(); !e.IsNull(); e = c.load() {
			age := start - e.Timestamp()
			if age >= maxAge {
				c.store(e.next())
				m.destroyEntry(e)
				removed++
				continue
			}
			hist.add(age)
			c = e.nextCell()
		}
	}
	return removed
}

// --------------------------------------------------------------------------
// Clear
// --------------------------------------------------------------------------

// Clear removes all entries. Entries inserted into an already cleared stripe
// while Clear runs survive.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Clear() {
	cleared := 0
	for stripe := 0; stripe < ConcurrencyLevel; stripe++ {
		cleared += m.clearStripe(stripe)
	}
	m.count.Add(-int64(cleared))
}

func (m *Map[K, V, X]) clearStripe(stripe int) int {
	lock := &m.locks[stripe]
	lock.Lock()
	defer lock.Unlock()

	cleared := 0
	for bucket := stripe; bucket < m.capacity; bucket += ConcurrencyLevel {
		c := m.bucketAt(bucket)
		for e := c.load(); !e.IsNull(); {
			next := e.next()
			m.destroyEntry(e)
			cleared++
			e = next
		}
		c.store(0)
	}
	return cleared
}
