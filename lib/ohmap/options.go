package ohmap

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ValentinKolb/oKV/lib/mem"
)

// NoExpiration disables time-based expiration
const NoExpiration = time.Duration(math.MaxInt64)

const defaultCleanupInterval = 60 * time.Second

// Options configures a Map during initialization
type Options struct {
	Name             string        // Name used in logs and metric labels
	Capacity         int           // Requested number of buckets, rounded up to a multiple of ConcurrencyLevel
	TimeToLive       time.Duration // Expiry after the last access (<= 0 or NoExpiration = never)
	CleanupInterval  time.Duration // Delay between background eviction runs
	CleanupThreshold float64       // Fraction of the capacity to keep free, in [0, 1]
	Policy           Policy        // Background eviction policy (PolicyNone = no background goroutine)

	Arena        *mem.Arena   // Shared arena, nil = the map creates and owns one
	ArenaOptions *mem.Options // Options for an owned arena (nil = mem.DefaultOptions)

	Clock func() time.Time // Time source for timestamps (nil = time.Now)
}

// DefaultOptions returns the default map options
func DefaultOptions() *Options {
	return &Options{
		Name:             "default",
		Capacity:         ConcurrencyLevel,
		TimeToLive:       NoExpiration,
		CleanupInterval:  defaultCleanupInterval,
		CleanupThreshold: 0,
		Policy:           PolicyNone,
	}
}

// Validate checks the options for values the map cannot work with
func (o *Options) Validate() error {
	var errs []error
	if o.Capacity < 0 {
		errs = append(errs, fmt.Errorf("capacity must not be negative, got %d", o.Capacity))
	}
	if o.CleanupThreshold < 0 || o.CleanupThreshold > 1 || math.IsNaN(o.CleanupThreshold) {
		errs = append(errs, fmt.Errorf("cleanup threshold must be in [0, 1], got %v", o.CleanupThreshold))
	}
	if o.Policy != PolicyNone && o.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must be positive when policy %s is set", o.Policy))
	}
	if o.Policy < PolicyNone || o.Policy > PolicySampling {
		errs = append(errs, fmt.Errorf("unknown policy %d", o.Policy))
	}
	return errors.Join(errs...)
}

// String returns a human-readable representation of the options
func (o *Options) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Map")
	addField("Name", o.Name)
	addField("Capacity", fmt.Sprintf("%d (rounded to %d)", o.Capacity, roundCapacity(o.Capacity)))
	if o.TimeToLive <= 0 || o.TimeToLive == NoExpiration {
		addField("Time To Live", "never")
	} else {
		addField("Time To Live", o.TimeToLive.String())
	}

	addSection("Eviction")
	addField("Policy", o.Policy.String())
	addField("Interval", o.CleanupInterval.String())
	addField("Threshold", fmt.Sprintf("%.2f", o.CleanupThreshold))

	addSection("Memory")
	if o.Arena != nil {
		addField("Arena", "shared")
	} else {
		arenaOpts := o.ArenaOptions
		if arenaOpts == nil {
			arenaOpts = mem.DefaultOptions()
		}
		addField("Chunk Size", fmt.Sprintf("%d bytes", arenaOpts.ChunkSize))
		if arenaOpts.Limit > 0 {
			addField("Limit", fmt.Sprintf("%d bytes", arenaOpts.Limit))
		} else {
			addField("Limit", "unlimited")
		}
	}

	return sb.String()
}
