package ohmap

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Record Views
// --------------------------------------------------------------------------

// view holds the accessors shared by Record and WritableRecord
type view[K, V any, X Extension[K, V]] struct {
	m     *Map[K, V, X]
	entry Entry
}

// Entry returns the underlying entry handle (null if there is none)
func (v *view[K, V, X]) Entry() Entry {
	return v.entry
}

// IsNull reports whether the record has no entry
func (v *view[K, V, X]) IsNull() bool {
	return v.entry.IsNull()
}

// Hash returns the hash stored in the entry
func (v *view[K, V, X]) Hash() uint64 {
	return v.entry.Hash()
}

// Key decodes the key of the entry
func (v *view[K, V, X]) Key() K {
	return v.m.ext.KeyAt(v.entry)
}

// Value decodes a copy of the value of the entry
func (v *view[K, V, X]) Value() V {
	return v.m.ext.ValueAt(v.entry)
}

// Size returns the value capacity of the entry
func (v *view[K, V, X]) Size() int {
	return v.m.ext.SizeAt(v.entry)
}

// LastAccess returns the last access time of the entry
func (v *view[K, V, X]) LastAccess() time.Time {
	return time.UnixMilli(v.entry.Timestamp())
}

// --------------------------------------------------------------------------
// Read Records
// --------------------------------------------------------------------------

// Record is a read handle on one entry. The stripe read lock of the entry is
// held until Release is called.
type Record[K, V any, X Extension[K, V]] struct {
	view[K, V, X]
	lock *sync.RWMutex
}

// Release unlocks the stripe. The record must not be used afterwards.
func (r *Record[K, V, X]) Release() {
	r.lock.RUnlock()
}

// LockRecordForRead returns a read handle for key with the stripe read lock
// held, or nil (and no lock held) if the key is absent or expired. A hit
// refreshes the last access time.
//
// Thread-safety: This method is thread-safe. The caller must Release the
// record and must not lock another record on the same goroutine meanwhile.
func (m *Map[K, V, X]) LockRecordForRead(key K) *Record[K, V, X] {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.RLock()

	e, _ := m.find(m.bucketFor(hash), hash, key)
	if e.IsNull() || m.expiredOrTouch(e) {
		lock.RUnlock()
		return nil
	}
	return &Record[K, V, X]{view: view[K, V, X]{m: m, entry: e}, lock: lock}
}

// --------------------------------------------------------------------------
// Writable Records
// --------------------------------------------------------------------------

// WritableRecord is a write handle on one key. The stripe write lock is held
// until Release is called. The record may have a null entry when it was
// created for an absent key, in which case SetValue inserts it.
type WritableRecord[K, V any, X Extension[K, V]] struct {
	view[K, V, X]
	lock *sync.RWMutex
	key  K
	hash uint64
	cell cell // points at entry, or is the bucket head if entry is null
}

// Key returns the key the record was locked for
func (r *WritableRecord[K, V, X]) Key() K {
	return r.key
}

// Hash returns the hash of the key
func (r *WritableRecord[K, V, X]) Hash() uint64 {
	return r.hash
}

// SetValue stores value in place if it fits, otherwise it replaces the entry
// at the same chain position. A record with a null entry inserts a new entry.
// On error the map is left unchanged.
func (r *WritableRecord[K, V, X]) SetValue(value V) error {
	m := r.m
	size := m.ext.SizeOf(value)
	if !r.entry.IsNull() && size <= m.ext.SizeAt(r.entry) {
		r.entry.setTimestamp(m.now())
		m.ext.SetValueAt(r.entry, value)
		return nil
	}

	e, err := m.allocateEntry(r.key, r.hash, size)
	if err != nil {
		return err
	}
	m.ext.SetValueAt(e, value)
	m.link(r.cell, r.cell, r.entry, e)
	r.entry = e
	return nil
}

// Remove unlinks and frees the entry. It is a no-op for a null record.
func (r *WritableRecord[K, V, X]) Remove() {
	if r.entry.IsNull() {
		return
	}
	r.cell.store(r.entry.next())
	r.m.destroyEntry(r.entry)
	r.m.count.Dec()
	r.entry = 0
}

// Release unlocks the stripe. The record must not be used afterwards.
func (r *WritableRecord[K, V, X]) Release() {
	r.lock.Unlock()
}

// LockRecordForWrite returns a write handle for key with the stripe write lock
// held. If the key is absent, a record with a null entry is returned when
// create is true and nil (no lock held) otherwise. Expired entries are
// returned as they are, without refreshing them.
//
// Thread-safety: This method is thread-safe. The caller must Release the
// record and must not lock another record on the same goroutine meanwhile.
func (m *Map[K, V, X]) LockRecordForWrite(key K, create bool) *WritableRecord[K, V, X] {
	hash := m.ext.Hash(key)
	lock := m.lockFor(hash)
	lock.Lock()

	head := m.bucketFor(hash)
	e, at := m.find(head, hash, key)
	if e.IsNull() {
		if !create {
			lock.Unlock()
			return nil
		}
		at = head
	}
	return &WritableRecord[K, V, X]{
		view: view[K, V, X]{m: m, entry: e},
		lock: lock,
		key:  key,
		hash: hash,
		cell: at,
	}
}

// --------------------------------------------------------------------------
// Counter helpers
// --------------------------------------------------------------------------

// Increment adds delta to the counter stored for key, creating it with delta
// if it does not exist, and returns the new value
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func Increment(m *CounterMap, key uint64, delta int64) (int64, error) {
	r := m.LockRecordForWrite(key, true)
	defer r.Release()

	value := delta
	if !r.IsNull() {
		value += r.Value()
	}
	if err := r.SetValue(value); err != nil {
		return 0, err
	}
	return value, nil
}
