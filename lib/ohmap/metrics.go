package ohmap

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// RegisterMetrics adds gauges describing the map to set. Every gauge carries
// a map label with the map name. Registering two maps with the same name in
// one set panics.
func (m *Map[K, V, X]) RegisterMetrics(set *metrics.Set) {
	label := fmt.Sprintf(`{map=%q}`, m.name)

	set.NewGauge("okv_capacity"+label, func() float64 {
		return float64(m.Capacity())
	})
	set.NewGauge("okv_entries"+label, func() float64 {
		return float64(m.Count())
	})
	set.NewGauge("okv_expirations_total"+label, func() float64 {
		return float64(m.Expirations())
	})
	set.NewGauge("okv_arena_reserved_bytes"+label, func() float64 {
		return float64(m.arena.Reserved())
	})
	set.NewGauge("okv_arena_used_bytes"+label, func() float64 {
		return float64(m.arena.Used())
	})
	set.NewGauge("okv_cleanup_runs_total"+label, func() float64 {
		return float64(m.CleanupStats().Runs)
	})
	set.NewGauge("okv_cleanup_duration_ms_mean"+label, func() float64 {
		return m.CleanupStats().MeanMillis
	})
}
