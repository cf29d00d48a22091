package ohmap

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/oKV/lib/mem"
	"github.com/google/go-cmp/cmp"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// fakeClock is a manually advanced time source with millisecond resolution
type fakeClock struct {
	ms atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ms.Store(1_700_000_000_000)
	return c
}

func (c *fakeClock) Now() time.Time {
	return time.UnixMilli(c.ms.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}

func newTestMap(t testing.TB, opts *Options) *BytesMap {
	t.Helper()
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Name == "" {
		opts.Name = "test"
	}
	m, err := NewBytesMap(opts)
	if err != nil {
		t.Fatalf("Failed to create map: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Failed to close map: %v", err)
		}
	})
	return m
}

func mustPut(t testing.TB, m *BytesMap, key string, value []byte) {
	t.Helper()
	if err := m.Put(key, value); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Addressing
// --------------------------------------------------------------------------

func TestRoundCapacity(t *testing.T) {
	cases := map[int]int{
		-1:     ConcurrencyLevel,
		0:      ConcurrencyLevel,
		1:      ConcurrencyLevel,
		100:    ConcurrencyLevel,
		65536:  65536,
		65537:  131072,
		200000: 262144,
	}
	for requested, expected := range cases {
		if got := roundCapacity(requested); got != expected {
			t.Errorf("roundCapacity(%d): expected %d, got %d", requested, expected, got)
		}
	}
}

func TestBucketIsGuardedByItsStripe(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, capacity := range []int{ConcurrencyLevel, 2 * ConcurrencyLevel, 7 * ConcurrencyLevel} {
		for i := 0; i < 10000; i++ {
			hash := rng.Uint64()
			stripe := stripeIndex(hash)
			if stripe != int(hash&0xFFFF) {
				t.Fatalf("Expected stripe %d for hash %#x, got %d", hash&0xFFFF, hash, stripe)
			}
			bucket := bucketIndex(hash, capacity)
			if bucket < 0 || bucket >= capacity {
				t.Fatalf("Bucket %d out of range for capacity %d", bucket, capacity)
			}
			if bucket%ConcurrencyLevel != stripe {
				t.Fatalf("Bucket %d of hash %#x is not guarded by stripe %d", bucket, hash, stripe)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

func TestPutGetRemove(t *testing.T) {
	m := newTestMap(t, nil)

	if m.Capacity() != ConcurrencyLevel {
		t.Errorf("Expected capacity %d, got %d", ConcurrencyLevel, m.Capacity())
	}

	mustPut(t, m, "a", []byte("alpha"))
	mustPut(t, m, "b", []byte("beta"))

	value, ok := m.Get("a")
	if !ok || !bytes.Equal(value, []byte("alpha")) {
		t.Errorf("Expected alpha, got %q (found=%v)", value, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Errorf("Expected missing key to be absent")
	}
	if !m.Has("b") {
		t.Errorf("Expected b to exist")
	}
	if m.Count() != 2 {
		t.Errorf("Expected count 2, got %d", m.Count())
	}

	value[0] = 'X'
	again, _ := m.Get("a")
	if !bytes.Equal(again, []byte("alpha")) {
		t.Errorf("Get should return a copy, got %q after modifying the result", again)
	}

	mustPut(t, m, "a", []byte("alpha2"))
	if m.Count() != 2 {
		t.Errorf("Expected overwrite to keep count 2, got %d", m.Count())
	}

	if !m.Remove("a") {
		t.Errorf("Expected Remove(a) to report true")
	}
	if m.Remove("a") {
		t.Errorf("Expected second Remove(a) to report false")
	}
	if _, ok := m.Get("a"); ok {
		t.Errorf("Expected a to be absent after Remove")
	}
	if m.Count() != 1 {
		t.Errorf("Expected count 1, got %d", m.Count())
	}
}

func TestEmptyValue(t *testing.T) {
	m := newTestMap(t, nil)

	mustPut(t, m, "empty", []byte{})
	value, ok := m.Get("empty")
	if !ok {
		t.Fatalf("Expected empty value to be found")
	}
	if len(value) != 0 {
		t.Errorf("Expected empty value, got %q", value)
	}

	mustPut(t, m, "", []byte("empty key"))
	if value, ok := m.Get(""); !ok || string(value) != "empty key" {
		t.Errorf("Expected value for empty key, got %q (found=%v)", value, ok)
	}
}

func TestPutInPlaceAndReallocate(t *testing.T) {
	m := newTestMap(t, nil)

	entryOf := func(key string) Entry {
		r := m.LockRecordForRead(key)
		if r == nil {
			t.Fatalf("Expected record for %q", key)
		}
		defer r.Release()
		return r.Entry()
	}

	mustPut(t, m, "k", []byte("12345678"))
	first := entryOf("k")

	mustPut(t, m, "k", []byte("1234"))
	if entryOf("k") != first {
		t.Errorf("Expected a smaller value to be written in place")
	}
	if value, _ := m.Get("k"); string(value) != "1234" {
		t.Errorf("Expected 1234, got %q", value)
	}

	large := bytes.Repeat([]byte("x"), 1000)
	mustPut(t, m, "k", large)
	if entryOf("k") == first {
		t.Errorf("Expected a larger value to move the entry")
	}
	if value, _ := m.Get("k"); !bytes.Equal(value, large) {
		t.Errorf("Expected the large value after reallocation")
	}
	if m.Count() != 1 {
		t.Errorf("Expected count 1, got %d", m.Count())
	}
}

func TestReallocateKeepsChainPosition(t *testing.T) {
	m := newTestMap(t, nil)

	// many keys so that some buckets hold chains
	keys := make([]string, 200000)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		mustPut(t, m, keys[i], []byte("v"))
	}
	for i := 0; i < len(keys); i += 3 {
		mustPut(t, m, keys[i], bytes.Repeat([]byte("w"), 100))
	}
	for i, key := range keys {
		value, ok := m.Get(key)
		if !ok {
			t.Fatalf("Expected %s to exist", key)
		}
		expected := 1
		if i%3 == 0 {
			expected = 100
		}
		if len(value) != expected {
			t.Fatalf("Expected value length %d for %s, got %d", expected, key, len(value))
		}
	}
	if m.Count() != len(keys) {
		t.Errorf("Expected count %d, got %d", len(keys), m.Count())
	}
}

func TestPutIfAbsent(t *testing.T) {
	m := newTestMap(t, nil)

	stored, err := m.PutIfAbsent("k", []byte("first"))
	if err != nil || !stored {
		t.Fatalf("Expected first PutIfAbsent to store, got stored=%v err=%v", stored, err)
	}
	stored, err = m.PutIfAbsent("k", []byte("second"))
	if err != nil || stored {
		t.Fatalf("Expected second PutIfAbsent not to store, got stored=%v err=%v", stored, err)
	}
	if value, _ := m.Get("k"); string(value) != "first" {
		t.Errorf("Expected first, got %q", value)
	}
	if m.Count() != 1 {
		t.Errorf("Expected count 1, got %d", m.Count())
	}
}

func TestExpiryAndTouch(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.TimeToLive = time.Second
	opts.Clock = clock.Now
	m := newTestMap(t, opts)

	mustPut(t, m, "k", []byte("v"))

	clock.Advance(500 * time.Millisecond)
	if _, ok := m.Get("k"); !ok {
		t.Fatalf("Expected k to be live after 500ms")
	}

	// the read above refreshed the timestamp
	clock.Advance(900 * time.Millisecond)
	if !m.Has("k") {
		t.Fatalf("Expected k to be live 900ms after the last read")
	}

	clock.Advance(1001 * time.Millisecond)
	if _, ok := m.Get("k"); ok {
		t.Errorf("Expected k to be expired")
	}
	if m.Has("k") {
		t.Errorf("Expected Has to report an expired entry as absent")
	}
	if m.LockRecordForRead("k") != nil {
		t.Errorf("Expected no read record for an expired entry")
	}
	if m.Count() != 1 {
		t.Errorf("Expected the expired entry to stay until a sweep, count is %d", m.Count())
	}

	if !m.Touch("k") {
		t.Fatalf("Expected Touch to find the expired entry")
	}
	if _, ok := m.Get("k"); !ok {
		t.Errorf("Expected k to be live after Touch")
	}
	if m.Touch("missing") {
		t.Errorf("Expected Touch on a missing key to report false")
	}
}

func TestSetTimeToLive(t *testing.T) {
	m := newTestMap(t, nil)

	if m.TimeToLive() != NoExpiration {
		t.Errorf("Expected no expiration by default, got %s", m.TimeToLive())
	}
	m.SetTimeToLive(5 * time.Second)
	if m.TimeToLive() != 5*time.Second {
		t.Errorf("Expected 5s, got %s", m.TimeToLive())
	}
	m.SetTimeToLive(-time.Second)
	if m.TimeToLive() != 0 {
		t.Errorf("Expected negative TTL to be clamped to 0, got %s", m.TimeToLive())
	}
}

func TestAllocationFailureLeavesMapUnchanged(t *testing.T) {
	opts := DefaultOptions()
	opts.ArenaOptions = &mem.Options{ChunkSize: 1 << 16, Limit: ConcurrencyLevel*cellSize + 1<<16}
	m := newTestMap(t, opts)

	mustPut(t, m, "k", []byte("small"))

	err := m.Put("k", make([]byte, 1<<17))
	if !errors.Is(err, mem.ErrBlockTooLarge) {
		t.Fatalf("Expected ErrBlockTooLarge, got %v", err)
	}
	if value, _ := m.Get("k"); string(value) != "small" {
		t.Errorf("Expected the old value to survive a failed Put, got %q", value)
	}

	stored := 0
	for i := 0; ; i++ {
		err := m.Put(fmt.Sprintf("fill-%d", i), make([]byte, 1000))
		if err != nil {
			if !errors.Is(err, mem.ErrOutOfMemory) {
				t.Fatalf("Expected ErrOutOfMemory, got %v", err)
			}
			break
		}
		stored++
		if stored > 1000 {
			t.Fatalf("Expected the arena limit to stop the fill")
		}
	}
	if m.Count() != stored+1 {
		t.Errorf("Expected count %d, got %d", stored+1, m.Count())
	}
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

func TestReadRecord(t *testing.T) {
	m := newTestMap(t, nil)
	mustPut(t, m, "k", []byte("value"))

	if m.LockRecordForRead("missing") != nil {
		t.Errorf("Expected nil record for a missing key")
	}

	r := m.LockRecordForRead("k")
	if r == nil {
		t.Fatalf("Expected a record for k")
	}
	if r.IsNull() {
		t.Errorf("Expected a non-null record")
	}
	if r.Key() != "k" {
		t.Errorf("Expected key k, got %q", r.Key())
	}
	if string(r.Value()) != "value" {
		t.Errorf("Expected value, got %q", r.Value())
	}
	if r.Size() < len("value") {
		t.Errorf("Expected size >= %d, got %d", len("value"), r.Size())
	}
	if r.Hash() != m.ext.Hash("k") {
		t.Errorf("Expected stored hash to match the key hash")
	}
	r.Release()

	// a released record must not block writers
	mustPut(t, m, "k", []byte("other"))
}

func TestWritableRecord(t *testing.T) {
	m := newTestMap(t, nil)

	if m.LockRecordForWrite("k", false) != nil {
		t.Fatalf("Expected nil record for a missing key without create")
	}

	r := m.LockRecordForWrite("k", true)
	if r == nil || !r.IsNull() {
		t.Fatalf("Expected a null record for a missing key with create")
	}
	if err := r.SetValue([]byte("v1")); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if r.IsNull() || m.Count() != 1 {
		t.Errorf("Expected SetValue to insert, count is %d", m.Count())
	}
	if err := r.SetValue(bytes.Repeat([]byte("y"), 500)); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Expected replacement to keep count 1, got %d", m.Count())
	}
	r.Release()

	if value, _ := m.Get("k"); len(value) != 500 {
		t.Errorf("Expected value of 500 bytes, got %d", len(value))
	}

	r = m.LockRecordForWrite("k", false)
	if r == nil || r.Key() != "k" {
		t.Fatalf("Expected a record for k")
	}
	r.Remove()
	r.Remove()
	if !r.IsNull() {
		t.Errorf("Expected the record to be null after Remove")
	}
	r.Release()

	if m.Has("k") || m.Count() != 0 {
		t.Errorf("Expected k to be removed, count is %d", m.Count())
	}
}

func TestCounterIncrement(t *testing.T) {
	m, err := NewCounterMap(&Options{Name: "counters"})
	if err != nil {
		t.Fatalf("Failed to create map: %v", err)
	}
	defer m.Close()

	const (
		goroutines = 8
		rounds     = 1000
		keys       = 10
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if _, err := Increment(m, uint64(i%keys), 1); err != nil {
					t.Errorf("Increment failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for k := uint64(0); k < keys; k++ {
		value, ok := m.Get(k)
		if !ok || value != goroutines*rounds/keys {
			t.Errorf("Expected counter %d to be %d, got %d (found=%v)", k, goroutines*rounds/keys, value, ok)
		}
	}
	if m.Count() != keys {
		t.Errorf("Expected %d counters, got %d", keys, m.Count())
	}
}

// --------------------------------------------------------------------------
// Bulk Operations
// --------------------------------------------------------------------------

func TestRemoveExpired(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	m := newTestMap(t, opts)

	for i := 0; i < 10; i++ {
		mustPut(t, m, fmt.Sprintf("old-%d", i), []byte("v"))
	}
	clock.Advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		mustPut(t, m, fmt.Sprintf("new-%d", i), []byte("v"))
	}

	removed := m.RemoveExpired(5 * time.Second)
	if removed != 10 {
		t.Errorf("Expected 10 removed entries, got %d", removed)
	}
	if m.Count() != 5 {
		t.Errorf("Expected count 5, got %d", m.Count())
	}
	if m.Expirations() != 10 {
		t.Errorf("Expected 10 expirations, got %d", m.Expirations())
	}

	hist := m.AgeHistogram()
	if hist.Total() != int64(m.Count()) {
		t.Errorf("Expected histogram total %d, got %d", m.Count(), hist.Total())
	}
	if hist[64] != 5 {
		t.Errorf("Expected 5 entries younger than 1ms, got %d", hist[64])
	}

	for i := 0; i < 5; i++ {
		if !m.Has(fmt.Sprintf("new-%d", i)) {
			t.Errorf("Expected new-%d to survive", i)
		}
	}
}

func TestRemoveExpiredBoundary(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	m := newTestMap(t, opts)

	mustPut(t, m, "at-limit", []byte("v"))
	clock.Advance(time.Millisecond)
	mustPut(t, m, "below-limit", []byte("v"))
	clock.Advance(5*time.Second - time.Millisecond)

	// ages are now exactly 5s and 5s-1ms
	if removed := m.RemoveExpired(5 * time.Second); removed != 1 {
		t.Errorf("Expected 1 removed entry, got %d", removed)
	}
	if m.Contains("at-limit") {
		t.Errorf("Expected the entry aged exactly maxAge to be removed")
	}
	if !m.Contains("below-limit") {
		t.Errorf("Expected the entry aged maxAge-1ms to survive")
	}
}

func TestRemoveExpiredWithoutRemovals(t *testing.T) {
	clock := newFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock.Now
	m := newTestMap(t, opts)

	for i := 0; i < 300; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("v"))
		clock.Advance(time.Millisecond)
	}

	if removed := m.RemoveExpired(time.Hour); removed != 0 {
		t.Errorf("Expected no removed entries, got %d", removed)
	}
	hist := m.AgeHistogram()
	if hist.Total() != int64(m.Count()) || m.Count() != 300 {
		t.Errorf("Expected histogram total and count 300, got %d and %d", hist.Total(), m.Count())
	}
	if m.Expirations() != 0 {
		t.Errorf("Expected no expirations, got %d", m.Expirations())
	}
}

func TestAgeHistogramSlots(t *testing.T) {
	var h AgeHistogram
	for _, age := range []int64{0, 1, 2, 3, 1024, 1 << 40} {
		h.add(age)
	}

	expected := AgeHistogram{}
	expected[64] = 1 // 0
	expected[63] = 1 // 1
	expected[62] = 2 // 2, 3
	expected[53] = 1 // 1024
	expected[23] = 1 // 1 << 40
	if diff := cmp.Diff(expected, h); diff != "" {
		t.Errorf("Unexpected histogram (-want +got):\n%s", diff)
	}

	for slot := 1; slot <= 64; slot++ {
		if lower := MinAge(slot); lower > 0 && slotOf(lower) != slot {
			t.Errorf("MinAge(%d) = %d falls into another slot", slot, lower)
		}
	}
	if MinAge(64) != 0 {
		t.Errorf("Expected MinAge(64) = 0, got %d", MinAge(64))
	}
}

func slotOf(age int64) int {
	var h AgeHistogram
	h.add(age)
	for i, n := range h {
		if n > 0 {
			return i
		}
	}
	return -1
}

func TestClear(t *testing.T) {
	m := newTestMap(t, nil)
	baseline := m.Arena().Used()

	for i := 0; i < 10000; i++ {
		mustPut(t, m, fmt.Sprintf("key-%d", i), []byte("value"))
	}
	m.Clear()

	if m.Count() != 0 {
		t.Errorf("Expected count 0 after Clear, got %d", m.Count())
	}
	if m.Has("key-1") {
		t.Errorf("Expected key-1 to be gone after Clear")
	}
	if m.Arena().Used() != baseline {
		t.Errorf("Expected all entry memory to be freed, used %d, baseline %d", m.Arena().Used(), baseline)
	}

	mustPut(t, m, "again", []byte("v"))
	if !m.Has("again") {
		t.Errorf("Expected the map to be usable after Clear")
	}
}

func TestIterate(t *testing.T) {
	m := newTestMap(t, nil)

	expected := make(map[string]string)
	for i := 0; i < 5000; i++ {
		key := fmt.Sprintf("key-%d", i)
		expected[key] = fmt.Sprintf("value-%d", i)
		mustPut(t, m, key, []byte(expected[key]))
	}

	for _, workers := range []int{1, 4, 16} {
		var mu sync.Mutex
		got := make(map[string]string)
		m.Iterate(func(r *Record[string, []byte, StringBytes]) {
			key, value := r.Key(), string(r.Value())
			mu.Lock()
			got[key] = value
			mu.Unlock()
		}, workers)

		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("Iterate with %d workers mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestIterateWritable(t *testing.T) {
	m := newTestMap(t, nil)

	for i := 0; i < 5000; i++ {
		mustPut(t, m, fmt.Sprintf("%d", i), []byte("v"))
	}

	var visited atomic.Int64
	m.IterateWritable(func(r *WritableRecord[string, []byte, StringBytes]) {
		visited.Add(1)
		i, err := strconv.Atoi(r.Key())
		if err != nil {
			t.Errorf("Unexpected key %q", r.Key())
			return
		}
		if i%2 == 0 {
			r.Remove()
			return
		}
		if err := r.SetValue(bytes.Repeat([]byte("z"), 64)); err != nil {
			t.Errorf("SetValue failed: %v", err)
		}
	}, 8)

	if visited.Load() != 5000 {
		t.Errorf("Expected 5000 visits, got %d", visited.Load())
	}
	if m.Count() != 2500 {
		t.Errorf("Expected 2500 entries, got %d", m.Count())
	}
	for i := 0; i < 5000; i++ {
		value, ok := m.Get(fmt.Sprintf("%d", i))
		if i%2 == 0 && ok {
			t.Fatalf("Expected %d to be removed", i)
		}
		if i%2 == 1 && (!ok || len(value) != 64) {
			t.Fatalf("Expected %d to hold the new value, got %q (found=%v)", i, value, ok)
		}
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

func TestConcurrentOperations(t *testing.T) {
	m := newTestMap(t, nil)

	const (
		goroutines = 8
		keys       = 2000
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				value := bytes.Repeat([]byte{byte(g)}, rng.Intn(200))
				if err := m.Put(key, value); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				got, ok := m.Get(key)
				if !ok || !bytes.Equal(got, value) {
					t.Errorf("Expected own write of %s to be visible", key)
					return
				}
				if i%4 == 0 {
					m.Remove(key)
				}
			}
		}(g)
	}

	// sweeps and iteration run concurrently with the writers
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 3; i++ {
			m.RemoveExpired(NoExpiration)
			m.Iterate(func(r *Record[string, []byte, StringBytes]) { _ = r.Key() }, 2)
		}
	}()
	wg.Wait()

	expected := goroutines * (keys - keys/4)
	if m.Count() != expected {
		t.Errorf("Expected count %d, got %d", expected, m.Count())
	}
}

// sameStripeKeys returns n keys with the given prefix that share one stripe
func sameStripeKeys(m *BytesMap, prefix string, n int) []string {
	keys := []string{prefix + "-0"}
	stripe := stripeIndex(m.ext.Hash(keys[0]))
	for i := 1; len(keys) < n; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		if stripeIndex(m.ext.Hash(key)) == stripe {
			keys = append(keys, key)
		}
	}
	return keys
}

// Get, Has, Touch and read records write the last access time while holding
// only the stripe read lock, so readers of one entry race on that word. The
// race is intentional: the timestamp is a single aligned word accessed through
// mem.LoadAtomic and mem.StoreAtomic, and approximate recency is enough.
func TestConcurrentReadersRefreshTimestamp(t *testing.T) {
	m := newTestMap(t, nil)

	const (
		readers = 64
		writers = 8
		rounds  = 500
	)

	keys := sameStripeKeys(m, "k", 4+writers)
	hot, churn := keys[:4], keys[4:]

	// values of different sizes, so writers update in place and reallocate
	valid := map[string]bool{"aaaaaaaa": true, "bbbbbbbb": true, "cccccccccccccccc": true}
	values := []string{"aaaaaaaa", "bbbbbbbb", "cccccccccccccccc"}
	for _, key := range hot {
		mustPut(t, m, key, []byte(values[0]))
	}

	var wg sync.WaitGroup
	for g := 0; g < readers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				key := hot[(g+i)%len(hot)]
				switch i % 4 {
				case 0:
					value, ok := m.Get(key)
					if !ok || !valid[string(value)] {
						t.Errorf("Get(%s) = %q (found=%v)", key, value, ok)
						return
					}
				case 1:
					if !m.Has(key) {
						t.Errorf("Expected %s to exist", key)
						return
					}
				case 2:
					if !m.Touch(key) {
						t.Errorf("Expected to touch %s", key)
						return
					}
				case 3:
					r := m.LockRecordForRead(key)
					if r == nil {
						t.Errorf("Expected a read record for %s", key)
						return
					}
					value := string(r.Value())
					r.Release()
					if !valid[value] {
						t.Errorf("Read record of %s holds %q", key, value)
						return
					}
				}
			}
		}(g)
	}

	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := m.Put(hot[i%len(hot)], []byte(values[(g+i)%len(values)])); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if err := m.Put(churn[g], []byte(values[i%len(values)])); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				if !m.Remove(churn[g]) {
					t.Errorf("Expected to remove %s", churn[g])
					return
				}
			}
		}(g)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if removed := m.RemoveExpired(time.Hour); removed != 0 {
				t.Errorf("Expected no entry older than an hour, removed %d", removed)
			}
		}
	}()
	wg.Wait()

	if m.Count() != len(hot) {
		t.Errorf("Expected count %d, got %d", len(hot), m.Count())
	}
	for _, key := range churn {
		if m.Contains(key) {
			t.Errorf("Expected %s to be removed", key)
		}
	}
	for _, key := range hot {
		r := m.LockRecordForRead(key)
		if r == nil {
			t.Fatalf("Expected %s to exist", key)
		}
		if !valid[string(r.Value())] {
			t.Errorf("%s holds %q", key, r.Value())
		}
		if age := time.Since(r.LastAccess()); age < 0 || age > time.Minute {
			t.Errorf("Expected a recent last access for %s, got age %v", key, age)
		}
		r.Release()
	}
}

func TestSharedArena(t *testing.T) {
	arena := mem.New(nil)
	// registered first so it runs after the maps are closed
	t.Cleanup(func() { _ = arena.Close() })

	first := newTestMap(t, &Options{Name: "first", Arena: arena})
	second := newTestMap(t, &Options{Name: "second", Arena: arena})

	mustPut(t, first, "k", []byte("1"))
	mustPut(t, second, "k", []byte("2"))

	if v, _ := first.Get("k"); string(v) != "1" {
		t.Errorf("Expected 1 in first map, got %q", v)
	}
	if v, _ := second.Get("k"); string(v) != "2" {
		t.Errorf("Expected 2 in second map, got %q", v)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first map: %v", err)
	}
	if v, _ := second.Get("k"); string(v) != "2" {
		t.Errorf("Expected second map to survive closing the first, got %q", v)
	}
}

func TestInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.CleanupThreshold = 1.5
	if _, err := NewBytesMap(opts); err == nil {
		t.Errorf("Expected an error for a cleanup threshold above 1")
	}

	opts = DefaultOptions()
	opts.Policy = PolicyTTL
	opts.CleanupInterval = 0
	if _, err := NewBytesMap(opts); err == nil {
		t.Errorf("Expected an error for a policy without interval")
	}
}
