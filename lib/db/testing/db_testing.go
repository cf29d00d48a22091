package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/oKV/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("SetIfAbsent", func(t *testing.T) {
			testSetIfAbsent(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("Touch", func(t *testing.T) {
			testTouch(t, factory())
		})

		t.Run("RemoveExpired", func(t *testing.T) {
			testRemoveExpired(t, factory())
		})

		t.Run("Clear", func(t *testing.T) {
			testClear(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// Sets a key and fails the test on error
func mustSet(t testing.TB, database db.KVDB, key string, value []byte) {
	t.Helper()
	if err := database.Set(key, value); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustSet(t, database, testKey, testValue1)

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustSet(t, database, testKey, testValue2)

	result, exists = database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists = database.Get("nonexistent-key")
	if exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrievedValue, _ := database.Get(testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := database.Get(testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	input := []byte("caller-owned")
	mustSet(t, database, testKey, input)
	input[0] = 'X'

	result, _ = database.Get(testKey)
	if !bytes.Equal(result, []byte("caller-owned")) {
		t.Errorf("Set should copy the value, got %s after modifying the input", result)
	}

	updatedValue := bytes.Repeat([]byte("updated-value"), 100)
	mustSet(t, database, testKey, updatedValue)

	result, exists = database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after update", testKey)
	}

	if !bytes.Equal(result, updatedValue) {
		t.Errorf("Expected the larger updated value, got %d bytes", len(result))
	}
}

func testSetIfAbsent(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetIfAbsent)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value")
	testValue2 := []byte("test-value2")

	stored, err := database.SetIfAbsent(testKey, testValue1)
	if err != nil || !stored {
		t.Fatalf("Expected first SetIfAbsent to store, got stored=%v err=%v", stored, err)
	}

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after SetIfAbsent", testKey)
	}

	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	stored, err = database.SetIfAbsent(testKey, testValue2)
	if err != nil || stored {
		t.Errorf("Expected second SetIfAbsent not to store, got stored=%v err=%v", stored, err)
	}

	result, _ = database.Get(testKey)
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	testKey := "delete-test-key"
	testValue := []byte("delete-test-value")

	mustSet(t, database, testKey, testValue)

	_, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	if !database.Delete(testKey) {
		t.Errorf("Expected Delete to report an existing key")
	}

	_, exists = database.Get(testKey)
	if exists {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	if database.Has(testKey) {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	if database.Delete("nonexistent-key") {
		t.Errorf("Expected Delete of a nonexistent key to report false")
	}
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureHas)

	testKey := "has-exists-test-key"
	testValue := []byte("has-exists-test-value")

	if database.Has(testKey) {
		t.Errorf("Expected Has to return false for nonexistent key")
	}

	mustSet(t, database, testKey, testValue)

	if !database.Has(testKey) {
		t.Errorf("Expected Has to return true after Set")
	}
}

func testTouch(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureTouch)

	if database.Touch("nonexistent-key") {
		t.Errorf("Expected Touch to return false for nonexistent key")
	}

	mustSet(t, database, "touch-key", []byte("value"))
	if !database.Touch("touch-key") {
		t.Errorf("Expected Touch to return true for an existing key")
	}
}

func testRemoveExpired(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureHas)
	requireFeature(t, database, db.FeatureRemoveExpired)

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		mustSet(t, database, fmt.Sprintf("expire-key-%d", i), []byte("value"))
	}

	if removed := database.RemoveExpired(time.Hour); removed != 0 {
		t.Errorf("Expected no entry to be older than an hour, %d removed", removed)
	}
	if !database.Has("expire-key-0") {
		t.Errorf("Expected keys to survive a sweep with a large max age")
	}

	if removed := database.RemoveExpired(0); removed != numKeys {
		t.Errorf("Expected %d removed entries with max age 0, got %d", numKeys, removed)
	}
	for i := 0; i < numKeys; i++ {
		if database.Has(fmt.Sprintf("expire-key-%d", i)) {
			t.Fatalf("Key expire-key-%d should have been removed", i)
		}
	}
}

func testClear(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureHas)
	requireFeature(t, database, db.FeatureClear)

	for i := 0; i < 1000; i++ {
		mustSet(t, database, fmt.Sprintf("clear-key-%d", i), []byte("value"))
	}

	database.Clear()

	for i := 0; i < 1000; i++ {
		if database.Has(fmt.Sprintf("clear-key-%d", i)) {
			t.Fatalf("Key clear-key-%d should have been removed by Clear", i)
		}
	}

	mustSet(t, database, "after-clear", []byte("value"))
	if !database.Has("after-clear") {
		t.Errorf("Expected the database to be usable after Clear")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	t.Run("EmptyKey", func(t *testing.T) {
		mustSet(t, database, "", []byte("empty-key-value"))

		result, exists := database.Get("")
		if !exists {
			t.Errorf("Empty key not found after Set")
		} else if !bytes.Equal(result, []byte("empty-key-value")) {
			t.Errorf("Value mismatch for empty key")
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		mustSet(t, database, "empty-value-key", []byte{})

		result, exists := database.Get("empty-value-key")
		if !exists {
			t.Errorf("Key with empty value not found after Set")
		} else if len(result) != 0 {
			t.Errorf("Expected empty value, got %d bytes", len(result))
		}
	})

	t.Run("NilValue", func(t *testing.T) {
		mustSet(t, database, "nil-value-key", nil)

		result, exists := database.Get("nil-value-key")
		if !exists {
			t.Errorf("Key with nil value not found after Set")
		} else if len(result) != 0 {
			t.Errorf("Expected empty value, got %d bytes", len(result))
		}
	})

	t.Run("BinaryKey", func(t *testing.T) {
		binaryKey := string([]byte{0, 1, 2, 255, 0, 128})
		mustSet(t, database, binaryKey, []byte("binary"))

		result, exists := database.Get(binaryKey)
		if !exists || !bytes.Equal(result, []byte("binary")) {
			t.Errorf("Binary key not found after Set")
		}
	})

	t.Run("LargeKeyAndValue", func(t *testing.T) {
		largeKey := string(bytes.Repeat([]byte("k"), 10*1024))
		largeKeyValue := []byte("large-key-value")
		mustSet(t, database, largeKey, largeKeyValue)

		result, exists := database.Get(largeKey)
		if !exists {
			t.Errorf("Large key not found after Set")
		} else if !bytes.Equal(result, largeKeyValue) {
			t.Errorf("Value mismatch for large key")
		}

		largeValueKey := "large-value-key"
		largeValue := make([]byte, 1024*1024)

		for i := range largeValue {
			largeValue[i] = byte(i % 256)
		}

		mustSet(t, database, largeValueKey, largeValue)

		result, exists = database.Get(largeValueKey)
		if !exists {
			t.Errorf("Key for large value not found after Set")
		} else if !bytes.Equal(result, largeValue) {
			t.Errorf("Large value mismatch: got %d bytes, expected %d", len(result), len(largeValue))
		}
	})
}

func testCollisionHandling(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	prefix := "collision-test-"
	numKeys := 200_000 // more keys than buckets, so chains form

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		value := []byte(fmt.Sprintf("value-%d", i))

		mustSet(t, database, key, value)
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		actualValue, exists := database.Get(key)
		if !exists {
			t.Fatalf("Key %s not found", key)
		}

		if !bytes.Equal(actualValue, expectedValue) {
			t.Fatalf("Value for key %s does not match: expected %s, got %s",
				key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		key := fmt.Sprintf("%s%d", prefix, i)
		database.Delete(key)
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := database.Get(key)

		if i%2 == 0 {
			if exists {
				t.Fatalf("Key %s should be deleted", key)
			}
		} else {
			if !exists {
				t.Fatalf("Key %s should still exist", key)
			}
		}
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	type operation struct {
		op    string
		key   string
		value []byte
	}

	numOperations := 10_000
	numWorkers := 8
	opsPerWorker := numOperations / numWorkers

	// every worker owns its keys, so the final state is known
	expected := make([]map[string][]byte, numWorkers)
	operations := make([][]operation, numWorkers)

	for w := 0; w < numWorkers; w++ {
		expected[w] = make(map[string][]byte)
		for i := 0; i < opsPerWorker; i++ {
			var op string
			switch i % 10 {
			case 0, 1, 2, 3, 4, 5, 6:
				op = "set"
			case 7, 8:
				op = "get"
			case 9:
				op = "delete"
			}

			var key string
			if i%5 == 0 {
				key = fmt.Sprintf("w%d-hot-key-%d", w, i%50)
			} else {
				key = fmt.Sprintf("w%d-key-%d", w, i%300)
			}

			var value []byte
			if op == "set" {
				valueSize := 64
				if i%10 == 0 {
					valueSize = 1024
				}
				value = make([]byte, valueSize)
				for j := 0; j < valueSize; j++ {
					value[j] = byte((i + j) % 256)
				}
				expected[w][key] = value
			}
			if op == "delete" {
				delete(expected[w], key)
			}

			operations[w] = append(operations[w], operation{op, key, value})
		}
	}

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()

			for _, op := range operations[workerId] {
				switch op.op {
				case "set":
					if err := database.Set(op.key, op.value); err != nil {
						t.Errorf("Set failed: %v", err)
						return
					}
				case "get":
					database.Get(op.key)
				case "delete":
					database.Delete(op.key)
				}
			}
		}(w)
	}

	wg.Wait()

	for w := 0; w < numWorkers; w++ {
		for i := 0; i < opsPerWorker; i++ {
			key := operations[w][i].key
			want, shouldExist := expected[w][key]
			got, exists := database.Get(key)

			if exists != shouldExist {
				t.Fatalf("Key %s: expected exists=%v, got %v", key, shouldExist, exists)
			}
			if exists && !bytes.Equal(got, want) {
				t.Fatalf("Value mismatch for key %s", key)
			}
		}
	}
}

func testInfo(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)

	for i := 0; i < 100; i++ {
		mustSet(t, database, fmt.Sprintf("info-key-%d", i), []byte("value"))
	}

	info := database.GetInfo()
	if info.DbType == "" {
		t.Errorf("Expected a database type")
	}
	if info.SizeBytes <= 0 {
		t.Errorf("Expected a positive size, got %d", info.SizeBytes)
	}

	found := false
	for _, f := range info.SupportedFeatures {
		if f == db.FeatureSet {
			found = true
		}
		if !database.SupportsFeature(f) {
			t.Errorf("Reported feature %s is not supported", f)
		}
	}
	if !found {
		t.Errorf("Expected Set in the supported features")
	}
}
