package ohmap

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/oKV/lib/db/util"
	"github.com/ValentinKolb/oKV/lib/mem"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("ohmap")

// --------------------------------------------------------------------------
// Core Map structure
// --------------------------------------------------------------------------

// Map is a concurrent hash map whose entries are stored in off-heap memory.
// K and V are the key and value types, X encodes them into entry payloads.
type Map[K, V any, X Extension[K, V]] struct {
	ext  X
	name string

	arena     *mem.Arena
	ownsArena bool

	capacity int
	table    mem.Addr                       // capacity bucket slots of 8 bytes
	locks    [ConcurrencyLevel]sync.RWMutex // stripe i guards buckets i, i+ConcurrencyLevel, ...

	count       *xsync.Counter
	expirations atomic.Int64
	histogram   atomic.Pointer[AgeHistogram]

	timeToLive       atomic.Int64  // milliseconds
	cleanupInterval  atomic.Int64  // nanoseconds
	cleanupThreshold atomic.Uint64 // float64 bits

	clock func() time.Time

	cleanupMu sync.Mutex
	cleaner   *cleaner
	closed    atomic.Bool
}

// BytesMap maps string keys to byte slices
type BytesMap = Map[string, []byte, StringBytes]

// CounterMap maps uint64 keys to int64 counters
type CounterMap = Map[uint64, int64, Uint64Counter]

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a map that encodes entries with ext, configured by opts (optional).
// If opts.Policy is set, the background eviction goroutine is started.
func New[K, V any, X Extension[K, V]](ext X, opts *Options) (*Map[K, V, X], error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("ohmap: invalid options: %w", err)
	}

	arena, owns := opts.Arena, false
	if arena == nil {
		arena, owns = mem.New(opts.ArenaOptions), true
	}

	capacity := roundCapacity(opts.Capacity)
	table, err := arena.AllocateRegion(capacity * cellSize)
	if err != nil {
		if owns {
			_ = arena.Close()
		}
		return nil, fmt.Errorf("ohmap: allocating bucket table for %d buckets: %w", capacity, err)
	}

	m := &Map[K, V, X]{
		ext:       ext,
		name:      opts.Name,
		arena:     arena,
		ownsArena: owns,
		capacity:  capacity,
		table:     table,
		count:     xsync.NewCounter(),
		clock:     opts.Clock,
	}
	if m.name == "" {
		m.name = "default"
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	m.histogram.Store(new(AgeHistogram))
	m.SetTimeToLive(opts.TimeToLive)
	if opts.TimeToLive <= 0 {
		m.SetTimeToLive(NoExpiration)
	}
	m.SetCleanupInterval(opts.CleanupInterval)
	m.SetCleanupThreshold(opts.CleanupThreshold)

	Logger.Debugf("map %s created with %d buckets", m.name, capacity)

	if opts.Policy != PolicyNone {
		if err := m.StartCleanup(opts.Policy); err != nil {
			_ = m.Close()
			return nil, err
		}
	}

	return m, nil
}

// NewBytesMap creates a map with string keys and byte slice values
func NewBytesMap(opts *Options) (*BytesMap, error) {
	return New[string, []byte](StringBytes{Seed: util.GenerateSeed()}, opts)
}

// NewCounterMap creates a map with uint64 keys and int64 counters
func NewCounterMap(opts *Options) (*CounterMap, error) {
	return New[uint64, int64](Uint64Counter{Seed: util.GenerateSeed()}, opts)
}

// Close stops the background eviction, frees every entry and releases the
// bucket table. If the map owns its arena, the arena is closed as well.
// The map must not be used after Close.
func (m *Map[K, V, X]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.StopCleanup()

	if m.ownsArena {
		return m.arena.Close()
	}
	m.Clear()
	return m.arena.FreeRegion(m.table)
}

// --------------------------------------------------------------------------
// Addressing
// --------------------------------------------------------------------------

func (m *Map[K, V, X]) lockFor(hash uint64) *sync.RWMutex {
	return &m.locks[stripeIndex(hash)]
}

func (m *Map[K, V, X]) bucketAt(index int) cell {
	return cell(m.table + mem.Addr(index*cellSize))
}

func (m *Map[K, V, X]) bucketFor(hash uint64) cell {
	return m.bucketAt(bucketIndex(hash, m.capacity))
}

// find walks the chain starting at head and returns the entry holding key
// together with the cell that points at it. The entry is null if the key is
// not in the chain.
func (m *Map[K, V, X]) find(head cell, hash uint64, key K) (Entry, cell) {
	c := head
	for e := c.load(); !e.IsNull(); e = c.load() {
		if e.Hash() == hash && m.ext.EqualsAt(e, key) {
			return e, c
		}
		c = e.nextCell()
	}
	return 0, c
}

// --------------------------------------------------------------------------
// Time
// --------------------------------------------------------------------------

func (m *Map[K, V, X]) now() int64 {
	return m.clock().UnixMilli()
}

// Now returns the current time of the clock the map stamps entries with
func (m *Map[K, V, X]) Now() time.Time {
	return m.clock()
}

// expiredOrTouch reports whether e is expired. A live entry gets its
// timestamp refreshed.
func (m *Map[K, V, X]) expiredOrTouch(e Entry) bool {
	now := m.now()
	if now-e.Timestamp() > m.timeToLive.Load() {
		return true
	}
	e.setTimestamp(now)
	return false
}

// --------------------------------------------------------------------------
// Entry Lifecycle
// --------------------------------------------------------------------------

// allocateEntry creates an unlinked entry for key with room for valueSize
// value bytes. The value itself is not written.
func (m *Map[K, V, X]) allocateEntry(key K, hash uint64, valueSize int) (Entry, error) {
	size := HeaderSize + m.ext.PayloadSize(key, valueSize)
	addr, err := m.arena.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("ohmap: allocating entry of %d bytes: %w", size, err)
	}
	e := Entry(addr)
	e.setHash(hash)
	e.setTimestamp(m.now())
	m.ext.SetKeyAt(e, key)
	return e, nil
}

func (m *Map[K, V, X]) destroyEntry(e Entry) {
	m.arena.Free(mem.Addr(e))
}

// link inserts e into a chain. If old is not null, e takes the position of old
// (at is the cell pointing at old) and old is freed. Otherwise e becomes the
// head of the chain starting at head and the live count grows.
func (m *Map[K, V, X]) link(head, at cell, old, e Entry) {
	if !old.IsNull() {
		e.setNext(old.next())
		at.store(e)
		m.destroyEntry(old)
		return
	}
	e.setNext(head.load())
	head.store(e)
	m.count.Inc()
}

// --------------------------------------------------------------------------
// Point Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value stored for key. Expired entries are
// reported as absent. A hit refreshes the last access time of the entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Get(key K) (value V, ok bool) {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.RLock()
	defer lock.RUnlock()

	e, _ := m.find(m.bucketFor(hash), hash, key)
	if e.IsNull() || m.expiredOrTouch(e) {
		return value, false
	}
	return m.ext.ValueAt(e), true
}

// Has reports whether a live entry for key exists. Like Get it refreshes the
// last access time on a hit.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Has(key K) bool {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.RLock()
	defer lock.RUnlock()

	e, _ := m.find(m.bucketFor(hash), hash, key)
	return !e.IsNull() && !m.expiredOrTouch(e)
}

// Contains reports whether an entry for key exists, expired or not. Unlike
// Has it does not refresh the last access time.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Contains(key K) bool {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.RLock()
	defer lock.RUnlock()

	e, _ := m.find(m.bucketFor(hash), hash, key)
	return !e.IsNull()
}

// Put stores value for key. If the existing entry has room for the value it
// is overwritten in place, otherwise a new entry replaces the old one at the
// same chain position. On error the map is left unchanged.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Put(key K, value V) error {
	hash := m.ext.Hash(key)
	size := m.ext.SizeOf(value)
	lock := m.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	head := m.bucketFor(hash)
	old, at := m.find(head, hash, key)
	if !old.IsNull() && size <= m.ext.SizeAt(old) {
		old.setTimestamp(m.now())
		m.ext.SetValueAt(old, value)
		return nil
	}

	e, err := m.allocateEntry(key, hash, size)
	if err != nil {
		return err
	}
	m.ext.SetValueAt(e, value)
	m.link(head, at, old, e)
	return nil
}

// PutIfAbsent stores value for key only if no entry for key exists. Expired
// entries still count as present until they are swept.
// It reports whether the value was stored.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) PutIfAbsent(key K, value V) (bool, error) {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	head := m.bucketFor(hash)
	if old, _ := m.find(head, hash, key); !old.IsNull() {
		return false, nil
	}

	e, err := m.allocateEntry(key, hash, m.ext.SizeOf(value))
	if err != nil {
		return false, err
	}
	m.ext.SetValueAt(e, value)
	m.link(head, head, 0, e)
	return true, nil
}

// Remove deletes the entry for key and reports whether one existed
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Remove(key K) bool {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.Lock()
	defer lock.Unlock()

	e, at := m.find(m.bucketFor(hash), hash, key)
	if e.IsNull() {
		return false
	}
	at.store(e.next())
	m.destroyEntry(e)
	m.count.Dec()
	return true
}

// Touch sets the last access time of the entry for key to now, even if the
// entry has already expired.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Touch(key K) bool {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.RLock()
	defer lock.RUnlock()

	e, _ := m.find(m.bucketFor(hash), hash, key)
	if e.IsNull() {
		return false
	}
	e.setTimestamp(m.now())
	return true
}

// --------------------------------------------------------------------------
// Introspection and Settings
// --------------------------------------------------------------------------

// Name returns the name the map was created with
func (m *Map[K, V, X]) Name() string {
	return m.name
}

// Count returns the number of entries, expired entries included
func (m *Map[K, V, X]) Count() int {
	return int(m.count.Value())
}

// Capacity returns the number of buckets
func (m *Map[K, V, X]) Capacity() int {
	return m.capacity
}

// Expirations returns the total number of entries removed by sweeps
func (m *Map[K, V, X]) Expirations() int64 {
	return m.expirations.Load()
}

// Arena returns the arena entries are allocated from
func (m *Map[K, V, X]) Arena() *mem.Arena {
	return m.arena
}

// TimeToLive returns the current expiry duration
func (m *Map[K, V, X]) TimeToLive() time.Duration {
	ms := m.timeToLive.Load()
	if ms >= NoExpiration.Milliseconds() {
		return NoExpiration
	}
	return time.Duration(ms) * time.Millisecond
}

// SetTimeToLive changes the expiry duration. It applies to existing entries
// on their next access or sweep. Zero expires everything older than one
// millisecond, NoExpiration disables expiry.
func (m *Map[K, V, X]) SetTimeToLive(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	m.timeToLive.Store(ttl.Milliseconds())
}

// CleanupInterval returns the delay between background eviction runs
func (m *Map[K, V, X]) CleanupInterval() time.Duration {
	return time.Duration(m.cleanupInterval.Load())
}

// SetCleanupInterval changes the delay between background eviction runs.
// It takes effect after the next run.
func (m *Map[K, V, X]) SetCleanupInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	m.cleanupInterval.Store(int64(interval))
}

// CleanupThreshold returns the fraction of the capacity kept free by the
// adaptive policies
func (m *Map[K, V, X]) CleanupThreshold() float64 {
	return math.Float64frombits(m.cleanupThreshold.Load())
}

// SetCleanupThreshold changes the fraction of the capacity kept free by the
// adaptive policies. Values are clamped to [0, 1].
func (m *Map[K, V, X]) SetCleanupThreshold(threshold float64) {
	threshold = math.Max(0, math.Min(1, threshold))
	m.cleanupThreshold.Store(math.Float64bits(threshold))
}

// EntriesToClean returns how many entries the adaptive policies should remove
// to bring the live count down to capacity * (1 - threshold). The result is
// zero or negative when nothing needs to be removed.
func (m *Map[K, V, X]) EntriesToClean() int {
	return m.Count() - int(float64(m.capacity)*(1.0-m.CleanupThreshold()))
}

// AgeHistogram returns a copy of the histogram recorded by the last sweep
func (m *Map[K, V, X]) AgeHistogram() AgeHistogram {
	return *m.histogram.Load()
}
