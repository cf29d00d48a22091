package bench

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/oKV/lib/db/engines/larch"
	"github.com/ValentinKolb/oKV/lib/ohmap"
	"github.com/google/go-cmp/cmp"
)

func TestGetKeys(t *testing.T) {
	benchKeySpread = 3
	t.Cleanup(func() { benchKeySpread = 10000 })

	getKey, iter := getKeys("get")
	if got := getKey(4); got != "__bench-get-1" {
		t.Errorf("getKey(4) = %s, want __bench-get-1", got)
	}

	var keys []string
	iter(func(k string) { keys = append(keys, k) })
	if diff := cmp.Diff([]string{"__bench-get-0", "__bench-get-1", "__bench-get-2"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestShouldSkip(t *testing.T) {
	benchSkip = strings.Split("set,sweep", ",")
	t.Cleanup(func() { benchSkip = nil })

	if !shouldSkip("sweep") || shouldSkip("get") || shouldSkip("set-large") {
		t.Errorf("shouldSkip does not match the skip list %v", benchSkip)
	}
}

func TestWriteResultsToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	opts := ohmap.DefaultOptions()
	opts.TimeToLive = time.Minute
	opts.Policy = ohmap.PolicySampling

	results := []result{
		{name: "get", result: testing.BenchmarkResult{N: 10, T: time.Microsecond}},
		{name: "set", result: testing.BenchmarkResult{}},
	}
	if err := writeResultsToCSV(path, results, opts); err != nil {
		t.Fatalf("writeResultsToCSV: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header and 2 results", len(rows))
	}
	if diff := cmp.Diff([]string{"get", "100", "100ns", "10000000", "false"}, rows[1][:5]); diff != "" {
		t.Errorf("get row mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1m0s", "sampling"}, rows[1][6:8]); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
	if rows[2][0] != "set" || rows[2][4] != "true" {
		t.Errorf("skipped row = %v", rows[2])
	}
}

func TestWriteMetrics(t *testing.T) {
	opts := larch.DefaultOptions()
	opts.Map.Name = "bench-test"
	database, err := larch.NewLarchDB(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	writeMetrics(&buf, larch.Map(database))
	if !strings.Contains(buf.String(), `okv_entries{map="bench-test"} 1`) {
		t.Errorf("metrics output misses the entry gauge:\n%s", buf.String())
	}
}
