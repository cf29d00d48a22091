package util

import "github.com/valyala/fastrand"

// SelectInt64 returns the k-th smallest element (0-based) of values.
// The slice is partially reordered in place. Expected running time is linear
// in len(values) thanks to random pivots.
//
// Panics if k is out of range.
func SelectInt64(values []int64, k int) int64 {
	if k < 0 || k >= len(values) {
		panic("util: select index out of range")
	}

	lo, hi := 0, len(values)-1
	for lo < hi {
		pivot := values[lo+int(fastrand.Uint32n(uint32(hi-lo+1)))]

		// three-way partition: [lo,lt) < pivot, [lt,gt] == pivot, (gt,hi] > pivot
		lt, i, gt := lo, lo, hi
		for i <= gt {
			switch {
			case values[i] < pivot:
				values[lt], values[i] = values[i], values[lt]
				lt++
				i++
			case values[i] > pivot:
				values[i], values[gt] = values[gt], values[i]
				gt--
			default:
				i++
			}
		}

		switch {
		case k < lt:
			hi = lt - 1
		case k > gt:
			lo = gt + 1
		default:
			return pivot
		}
	}

	return values[k]
}
