package bench

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/oKV/cmd/util"
	"github.com/ValentinKolb/oKV/lib/db"
	"github.com/ValentinKolb/oKV/lib/db/engines/larch"
	"github.com/ValentinKolb/oKV/lib/ohmap"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("cli")

var (
	// BenchCmd measures the map operations on a local database
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Performance testing tool for local off-heap maps",
		Long:    util.WrapString("Runs benchmarks of the map operations against a database opened with the configured options."),
		RunE:    run,
		PreRunE: processBenchConfig,
	}
	benchKeyPrefix        = "__bench"
	benchLargeValueSizeKB = 100
	benchNumThreads       = 10
	benchKeySpread        = 10000
	benchSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines per CPU to use for the benchmark"))
	key = "large-value-size"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	BenchCmd.Flags().Int(key, 10000, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the map metrics in Prometheus text format after the run"))
}

func processBenchConfig(_ *cobra.Command, _ []string) error {
	benchLargeValueSizeKB = viper.GetInt("large-value-size")
	benchKeySpread = viper.GetInt("keys")
	benchNumThreads = viper.GetInt("threads")
	benchSkip = strings.Split(viper.GetString("skip"), ",")

	if benchKeySpread <= 0 {
		return fmt.Errorf("keys must be positive, got %d", benchKeySpread)
	}
	if benchNumThreads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", benchNumThreads)
	}
	return nil
}

// benchmark is one named measurement against a database
type benchmark struct {
	name string
	fn   func(b *testing.B, database db.KVDB)
}

// result is the outcome of one benchmark
type result struct {
	name   string
	result testing.BenchmarkResult
}

var benchmarks = []benchmark{
	{"set", benchSet},
	{"set-existing", benchSetExisting},
	{"set-large", benchSetLarge},
	{"get", benchGet},
	{"mixed", benchMixed},
	{"sweep", benchSweep},
}

func run(_ *cobra.Command, _ []string) error {
	opts, err := util.GetDBOptions("bench")
	if err != nil {
		return err
	}

	fmt.Println("Performance testing tool for oKV maps")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(opts.Map.String())
	fmt.Printf("Threads: %d\n", benchNumThreads)
	fmt.Println()

	database, err := larch.NewLarchDB(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Errorf("closing benchmark database: %v", err)
		}
	}()

	fmt.Println("starting tests...")

	results := make([]result, 0, len(benchmarks))
	for _, bm := range benchmarks {
		res := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}
			b.Cleanup(database.Clear)
			bm.fn(b, database)
		})
		results = append(results, result{name: bm.name, result: res})
		printResult(bm.name, res)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, opts.Map); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if viper.GetBool("metrics") {
		fmt.Println()
		writeMetrics(os.Stdout, larch.Map(database))
	}

	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func benchSet(b *testing.B, database db.KVDB) {
	getKey, _ := getKeys("set")

	b.SetParallelism(benchNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			if err := database.Set(getKey(counter), []byte("test")); err != nil {
				log.Errorf("(set) - error setting key: %v", err)
			}
			counter++
		}
	})
}

func benchSetExisting(b *testing.B, database db.KVDB) {
	getKey, iter := getKeys("set-existing")
	iter(func(k string) {
		if err := database.Set(k, []byte("test")); err != nil {
			log.Errorf("(set-existing) - error setting key: %v", err)
		}
	})

	b.SetParallelism(benchNumThreads)
	b.ResetTimer()

	// same value size, so every update is written in place
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			if err := database.Set(getKey(counter), []byte("tset")); err != nil {
				log.Errorf("(set-existing) - error setting key: %v", err)
			}
			counter++
		}
	})
}

func benchSetLarge(b *testing.B, database db.KVDB) {
	largeValue := make([]byte, benchLargeValueSizeKB*1024)

	// few keys, the arena would otherwise need keys * value size bytes
	getKey, _ := getKeys("set-large")
	spread := min(benchKeySpread, 64)

	b.SetParallelism(benchNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			if err := database.Set(getKey(counter%spread), largeValue); err != nil {
				log.Errorf("(set-large) - error setting key: %v", err)
			}
			counter++
		}
	})
}

func benchGet(b *testing.B, database db.KVDB) {
	getKey, iter := getKeys("get")
	iter(func(k string) {
		if err := database.Set(k, []byte("test")); err != nil {
			log.Errorf("(get) - error setting key: %v", err)
		}
	})

	b.SetParallelism(benchNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(getKey(counter))
			counter++
		}
	})
}

func benchMixed(b *testing.B, database db.KVDB) {
	getKey, iter := getKeys("mixed")
	iter(func(k string) {
		if err := database.Set(k, []byte("test")); err != nil {
			log.Errorf("(mixed) - error setting key: %v", err)
		}
	})

	b.SetParallelism(benchNumThreads)
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := getKey(counter)
			switch counter % 4 {
			case 0: // set
				if err := database.Set(key, []byte("test")); err != nil {
					log.Errorf("(mixed) - error setting key: %v", err)
				}
			case 1: // get
				database.Get(key)
			case 2: // delete
				database.Delete(key)
			case 3: // has
				database.Has(key)
			}
			counter++
		}
	})
}

// benchSweep measures a full sweep that removes nothing
func benchSweep(b *testing.B, database db.KVDB) {
	_, iter := getKeys("sweep")
	iter(func(k string) {
		if err := database.Set(k, []byte("test")); err != nil {
			log.Errorf("(sweep) - error setting key: %v", err)
		}
	})

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		database.RemoveExpired(time.Hour)
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(benchSkip, test)
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%benchKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// opsPerSecond converts a result to ns/op and ops/sec, ok is false if it was skipped
func opsPerSecond(result testing.BenchmarkResult) (nsPerOp, opsPerSec float64, ok bool) {
	if result.NsPerOp() == 0 {
		return 0, 0, false
	}
	nsPerOp = math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	return nsPerOp, 1.0 / (nsPerOp / 1e9), true
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	nsPerOp, opsPerSec, ok := opsPerSecond(result)
	if !ok {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file. The file is
// replaced atomically, so an interrupted run never leaves a partial file.
func writeResultsToCSV(csvPath string, results []result, opts *ohmap.Options) error {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Capacity", "TimeToLive", "Policy", "CleanupThreshold",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	ttl := "never"
	if opts.TimeToLive > 0 && opts.TimeToLive != ohmap.NoExpiration {
		ttl = opts.TimeToLive.String()
	}

	// Write test results
	for _, res := range results {
		nsPerOp, opsPerSec, ok := opsPerSecond(res.result)

		row := []string{
			res.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatBool(!ok),
			strconv.Itoa(opts.Capacity),
			ttl,
			opts.Policy.String(),
			strconv.FormatFloat(opts.CleanupThreshold, 'f', -1, 64),
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchLargeValueSizeKB),
			strconv.Itoa(benchKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", res.name, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}

	return atomic.WriteFile(csvPath, &buf)
}

// writeMetrics writes the gauges of a map in Prometheus text format
func writeMetrics(w io.Writer, m *ohmap.BytesMap) {
	set := metrics.NewSet()
	m.RegisterMetrics(set)
	set.WritePrometheus(w)
}
