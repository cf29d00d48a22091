package larch

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/oKV/lib/db"
	"github.com/ValentinKolb/oKV/lib/db/util"
	"github.com/ValentinKolb/oKV/lib/ohmap"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("larch")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	stripeGroups = 64 // GetInfo reports the entry spread over this many stripe groups

	supportedFeatures = db.FeatureSet | db.FeatureSetIfAbsent | db.FeatureGet | db.FeatureHas |
		db.FeatureTouch | db.FeatureDelete | db.FeatureRemoveExpired | db.FeatureClear | db.FeatureExpiry
)

// --------------------------------------------------------------------------
// Core Larch database structure
// --------------------------------------------------------------------------

// larchImpl implements db.KVDB on an off-heap map
type larchImpl struct {
	m           *ohmap.BytesMap
	infoWorkers int
	closed      atomic.Bool
}

// DBOptions configures the larchImpl behavior during initialization
type DBOptions struct {
	Map         *ohmap.Options // Options of the underlying map (nil = ohmap.DefaultOptions)
	InfoWorkers int            // Goroutines used by GetInfo (0 = runtime.NumCPU)
}

// DefaultOptions returns the default larchImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		Map:         ohmap.DefaultOptions(),
		InfoWorkers: runtime.NumCPU(),
	}
}

// NewLarchDB creates a new larch database with the specified options (optional)
//
// Thread-safety: This function is thread-safe. Every call creates an
// independent database.
func NewLarchDB(opts *DBOptions) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	m, err := ohmap.NewBytesMap(opts.Map)
	if err != nil {
		return nil, err
	}

	workers := opts.InfoWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	log.Debugf("larch database %s opened with %d buckets", m.Name(), m.Capacity())
	return &larchImpl{m: m, infoWorkers: workers}, nil
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry with the given key and value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Set(key string, value []byte) error {
	if l.closed.Load() {
		return ohmap.ErrClosed
	}
	return l.m.Put(key, value)
}

// SetIfAbsent inserts an entry only if the key does not exist yet.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) SetIfAbsent(key string, value []byte) (bool, error) {
	if l.closed.Load() {
		return false, ohmap.ErrClosed
	}
	return l.m.PutIfAbsent(key, value)
}

// Touch restarts the time to live of an entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Touch(key string) bool {
	if l.closed.Load() {
		return false
	}
	return l.m.Touch(key)
}

// Delete removes an entry with the specified key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Delete(key string) bool {
	if l.closed.Load() {
		return false
	}
	return l.m.Remove(key)
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves a copy of the value for a key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Get(key string) ([]byte, bool) {
	if l.closed.Load() {
		return nil, false
	}
	return l.m.Get(key)
}

// Has checks whether a key exists, expired or not.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Has(key string) bool {
	if l.closed.Load() {
		return false
	}
	return l.m.Contains(key)
}

// --------------------------------------------------------------------------
// Bulk Operations
// --------------------------------------------------------------------------

// RemoveExpired removes all entries that were not accessed for maxAge or longer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) RemoveExpired(maxAge time.Duration) int {
	if l.closed.Load() {
		return 0
	}
	removed := l.m.RemoveExpired(maxAge)
	log.Debugf("%s: removed %d entries older than %s", l.m.Name(), removed, maxAge)
	return removed
}

// Clear removes all entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) Clear() {
	if l.closed.Load() {
		return
	}
	l.m.Clear()
}

// --------------------------------------------------------------------------
// Feature Support and Info
// --------------------------------------------------------------------------

// SupportsFeature checks if the database supports all given features.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) SupportsFeature(feature db.Feature) bool {
	return feature&supportedFeatures == feature
}

// GetInfo walks all entries and returns statistics about the database.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *larchImpl) GetInfo() db.DatabaseInfo {
	var features []db.Feature
	for f := db.FeatureSet; f <= db.FeatureExpiry; f <<= 1 {
		if l.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	info := db.DatabaseInfo{
		DbType:            db.ImplLarch,
		SupportedFeatures: features,
	}
	if l.closed.Load() {
		return info
	}

	// collect value sizes and the number of entries per stripe group
	histogram := util.NewSizeHistogram()
	var groups [stripeGroups]atomic.Int64
	var expired atomic.Int64
	ttl := l.m.TimeToLive()
	now := l.m.Now()

	l.m.Iterate(func(r *ohmap.Record[string, []byte, ohmap.StringBytes]) {
		histogram.AddSample(ohmap.StringBytes{}.ValueLen(r.Entry()))
		groups[int(r.Hash()&(ohmap.ConcurrencyLevel-1))*stripeGroups/ohmap.ConcurrencyLevel].Add(1)
		if ttl != ohmap.NoExpiration && now.Sub(r.LastAccess()) > ttl {
			expired.Add(1)
		}
	}, l.infoWorkers)

	groupSizes := make([]float64, stripeGroups)
	for i := range groups {
		groupSizes[i] = float64(groups[i].Load())
	}

	// non-empty slots of the age histogram, keyed by their minimum age
	ages := make(map[string]int64)
	hist := l.m.AgeHistogram()
	for slot, n := range hist {
		if n > 0 {
			ages[ageKey(slot)] = n
		}
	}

	sizeBounds, sizeShares := histogram.SizeDistribution()
	arena := l.m.Arena()

	info.SizeBytes = int(arena.Used())
	info.Metadata = &struct {
		Name               string                 `json:"name"`
		Count              int                    `json:"count"`
		Capacity           int                    `json:"capacity"`
		LoadFactor         float64                `json:"load_factor"`
		TimeToLive         string                 `json:"time_to_live"`
		ExpiredBacklog     int64                  `json:"expired_backlog"`
		Expirations        int64                  `json:"expirations"`
		EntriesToClean     int                    `json:"entries_to_clean"`
		Cleanup            ohmap.CleanupStats     `json:"cleanup"`
		StripeDistribution util.DistributionStats `json:"stripe_distribution"`
		MedianValueSize    int                    `json:"median_value_size"`
		AverageValueSize   int                    `json:"average_value_size"`
		ValueSizeBounds    []int                  `json:"value_size_bounds"`
		ValueSizeShares    []float64              `json:"value_size_shares"`
		AgeHistogram       map[string]int64       `json:"age_histogram"`
		ArenaReserved      int64                  `json:"arena_reserved_bytes"`
		ArenaUsed          int64                  `json:"arena_used_bytes"`
		Info               string                 `json:"info"`
	}{
		Name:               l.m.Name(),
		Count:              l.m.Count(),
		Capacity:           l.m.Capacity(),
		LoadFactor:         float64(l.m.Count()) / float64(l.m.Capacity()),
		TimeToLive:         ttlString(ttl),
		ExpiredBacklog:     expired.Load(),
		Expirations:        l.m.Expirations(),
		EntriesToClean:     max(0, l.m.EntriesToClean()),
		Cleanup:            l.m.CleanupStats(),
		StripeDistribution: util.NewDistributionStats(groupSizes),
		MedianValueSize:    histogram.MedianEstimate(),
		AverageValueSize:   histogram.AverageSize(),
		ValueSizeBounds:    sizeBounds,
		ValueSizeShares:    sizeShares,
		AgeHistogram:       ages,
		ArenaReserved:      arena.Reserved(),
		ArenaUsed:          arena.Used(),
		Info:               "The age histogram reflects the last sweep. SizeBytes counts arena bytes in use, size classes included.",
	}

	return info
}

// ageKey names an age histogram slot by its minimum age. Slot 0 holds the
// negative ages of clock jumps and would otherwise share "0s" with slot 64.
func ageKey(slot int) string {
	if slot == 0 {
		return "negative"
	}
	return (time.Duration(ohmap.MinAge(slot)) * time.Millisecond).String()
}

func ttlString(ttl time.Duration) string {
	if ttl == ohmap.NoExpiration {
		return "never"
	}
	return ttl.String()
}

// Close stops background eviction and releases all memory.
//
// Thread-safety: This method must be called once after all other use has finished.
func (l *larchImpl) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Debugf("larch database %s closed", l.m.Name())
	return l.m.Close()
}

// Map returns the underlying off-heap map of a larch database, or nil if the
// database is of another implementation
func Map(database db.KVDB) *ohmap.BytesMap {
	if l, ok := database.(*larchImpl); ok {
		return l.m
	}
	return nil
}
