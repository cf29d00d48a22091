package ohmap

import (
	"github.com/ValentinKolb/oKV/lib/db/util"
)

// --------------------------------------------------------------------------
// Parallel Iteration
// --------------------------------------------------------------------------

// Visitor is called for every entry during Iterate. The record is only valid
// during the call: it must not be released or retained.
type Visitor[K, V any, X Extension[K, V]] func(r *Record[K, V, X])

// WritableVisitor is called for every entry during IterateWritable. It may
// call SetValue or Remove on the record but must not release or retain it.
type WritableVisitor[K, V any, X Extension[K, V]] func(r *WritableRecord[K, V, X])

// Iterate calls visitor for every entry, expired entries included, using
// workers goroutines. Worker i visits the buckets i, i+workers, i+2*workers
// and so on, holding the read lock of a bucket's stripe while visiting it, so
// visitor may run concurrently for entries of different stripes.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) Iterate(visitor Visitor[K, V, X], workers int) {
	util.Fork(workers, func(taskNum, taskCount int) {
		r := &Record[K, V, X]{view: view[K, V, X]{m: m}}
		for bucket := taskNum; bucket < m.capacity; bucket += taskCount {
			m.visitBucket(bucket, r, visitor)
		}
	})
}

func (m *Map[K, V, X]) visitBucket(bucket int, r *Record[K, V, X], visitor Visitor[K, V, X]) {
	lock := &m.locks[bucket&stripeMask]
	lock.RLock()
	defer lock.RUnlock()

	r.lock = lock
	for e := m.bucketAt(bucket).load(); !e.IsNull(); e = e.next() {
		r.entry = e
		visitor(r)
	}
}

// IterateWritable calls visitor for every entry with the stripe write lock
// held, using workers goroutines split over the buckets like Iterate. The
// visitor may update or remove the entry it is given.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *Map[K, V, X]) IterateWritable(visitor WritableVisitor[K, V, X], workers int) {
	util.Fork(workers, func(taskNum, taskCount int) {
		r := &WritableRecord[K, V, X]{view: view[K, V, X]{m: m}}
		for bucket := taskNum; bucket < m.capacity; bucket += taskCount {
			m.visitBucketWritable(bucket, r, visitor)
		}
	})
}

func (m *Map[K, V, X]) visitBucketWritable(bucket int, r *WritableRecord[K, V, X], visitor WritableVisitor[K, V, X]) {
	lock := &m.locks[bucket&stripeMask]
	lock.Lock()
	defer lock.Unlock()

	r.lock = lock
	c := m.bucketAt(bucket)
	for e := c.load(); !e.IsNull(); e = c.load() {
		r.entry = e
		r.key = m.ext.KeyAt(e)
		r.hash = e.Hash()
		r.cell = c
		visitor(r)
		if !r.entry.IsNull() {
			c = r.entry.nextCell()
		}
	}
}
