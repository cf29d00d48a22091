package db

import "time"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplLarch Implementation = "larch"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet            Feature = 1 << iota // Support for Set operations
	FeatureSetIfAbsent                        // Support for SetIfAbsent operations
	FeatureGet                                // Support for Get operations
	FeatureHas                                // Support for Has operations
	FeatureTouch                              // Support for Touch operations
	FeatureDelete                             // Support for Delete operations
	FeatureRemoveExpired                      // Support for RemoveExpired operations
	FeatureClear                              // Support for Clear operations
	FeatureExpiry                             // Entries expire after a time to live
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureSetIfAbsent:
		return "SetIfAbsent"
	case FeatureGet:
		return "Get"
	case FeatureHas:
		return "Has"
	case FeatureTouch:
		return "Touch"
	case FeatureDelete:
		return "Delete"
	case FeatureRemoveExpired:
		return "RemoveExpired"
	case FeatureClear:
		return "Clear"
	case FeatureExpiry:
		return "Expiry"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for key-value database implementations.
// It provides methods for basic operations like Set, Get, Delete, and various utility functions.
// Any implementation of this interface must manage keys in a consistent way.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry with the given key and value.
	// If the key already exists, the old value is overwritten.
	// An error is returned if the database has no memory left for the entry,
	// in which case the database is unchanged.
	Set(key string, value []byte) (err error)

	// SetIfAbsent inserts an entry only if the key does not exist yet.
	// Entries that expired but were not removed yet still count as existing.
	// The boolean return value indicates whether the entry was stored.
	SetIfAbsent(key string, value []byte) (stored bool, err error)

	// Touch marks the entry as accessed now, which restarts its time to live.
	// The boolean return value indicates whether the key exists.
	Touch(key string) (ok bool)

	// Delete removes an entry with the specified key.
	// The boolean return value indicates whether the key existed.
	Delete(key string) (ok bool)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves a copy of the value for an exact key.
	// Expired entries are reported as not found.
	// The boolean return value indicates whether a value for the key was found.
	Get(key string) (value []byte, loaded bool)

	// Has checks whether a key exists in the database.
	// This method returns true even if the entry is expired but not removed yet.
	Has(key string) (loaded bool)

	// --------------------------------------------------------------------------
	// Bulk Operations
	// --------------------------------------------------------------------------

	// RemoveExpired removes all entries that were not accessed for maxAge or longer
	// and returns the number of removed entries.
	RemoveExpired(maxAge time.Duration) (removed int)

	// Clear removes all entries.
	Clear()

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database and releases its memory.
	Close() (err error)
}
