// Package lru implements a generic, size-bounded LRU cache with
// pluggable entry sizing, lazy creation, and eviction notification. It has
// no dependency on the msgloop message-loop types; it is a reusable
// storage primitive for systems built on top of that runtime.
package lru

import (
	"fmt"
	"sync"
)

// SizeOf computes the weight an entry contributes to a Cache's total size.
// It must be non-negative and stable across the entry's lifetime — a
// SizeOf that returns a different value for the same (k, v) pair on a
// later call violates the cache's size accounting and is a programming
// error.
type SizeOf[K comparable, V any] func(key K, value V) int

// Create lazily produces a value for a key absent from the cache. Returning
// ok=false is treated as a miss: nothing is inserted.
type Create[K comparable, V any] func(key K) (value V, ok bool)

// EntryRemoved is notified whenever an entry leaves the cache, for any
// reason: explicit Remove, an overwriting Put, size-driven eviction, or a
// racing Put beating a Get's Create. evicted is true only for size-driven
// eviction (Put/Get-create growing the cache past its bound, or
// Resize/TrimToSize shrinking it); it is false for an explicit replace
// (oldValue is the replaced value, newValue the new one) and for the
// create-vs-put race (oldValue is the discarded created value, newValue
// the value the race left in place). EntryRemoved is always invoked with
// no internal lock held, so it may safely call back into the cache.
type EntryRemoved[K comparable, V any] func(evicted bool, key K, oldValue, newValue V)

// UsageError marks a programming mistake in how this package is called —
// here, a SizeOf that returns a negative weight. It is never returned,
// only delivered by panic, so the cache's size == Σ sizeOf invariant
// can't silently drift out of sync.
type UsageError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	return fmt.Sprintf("lru: %s: %s", e.Op, e.Message)
}

func usagePanic(op, message string) {
	panic(&UsageError{Op: op, Message: message})
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	prev, next *entry[K, V]
}

// Cache is a generic, bounded, least-recently-used cache. The zero value
// is not usable; construct one with New. All mutating operations and Get
// take an internal lock; Create and EntryRemoved are always invoked with
// that lock released. SizeOf is invoked with the lock held, so a SizeOf
// that calls back into the same Cache deadlocks.
type Cache[K comparable, V any] struct {
	mu sync.Mutex

	maxSize int
	size    int

	items      map[K]*entry[K, V]
	head, tail *entry[K, V] // head = most recently used, tail = least

	sizeOf       SizeOf[K, V]
	entryRemoved EntryRemoved[K, V]
}

// New constructs a Cache bounded at maxSize, as measured by sizeOf (a nil
// sizeOf weighs every entry as 1, giving a plain entry-count bound).
// onRemoved may be nil.
func New[K comparable, V any](maxSize int, sizeOf SizeOf[K, V], onRemoved EntryRemoved[K, V]) *Cache[K, V] {
	if sizeOf == nil {
		sizeOf = func(K, V) int { return 1 }
	}
	return &Cache[K, V]{
		maxSize:      maxSize,
		items:        make(map[K]*entry[K, V]),
		sizeOf:       sizeOf,
		entryRemoved: onRemoved,
	}
}

// Get returns the value for key, promoting it to most-recently-used. If
// key is absent and create is non-nil, create(key) is invoked with no
// lock held; if it produces a value and no concurrent Put inserted a
// value for key in the meantime, the created value is inserted (subject
// to the usual size-driven trim) and returned. If a racing Put won, the
// created value is discarded — notified via EntryRemoved(evicted=false,
// oldValue=created, newValue=raced) — and the raced-in value is returned
// instead. create may be nil, in which case a miss returns ok=false.
func (c *Cache[K, V]) Get(key K, create Create[K, V]) (value V, ok bool) {
	c.mu.Lock()
	if e, found := c.items[key]; found {
		c.moveToFront(e)
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if create == nil {
		var zero V
		return zero, false
	}

	created, createOK := create(key)
	if !createOK {
		var zero V
		return zero, false
	}

	var (
		victims []entry[K, V]
		raced   bool
		racedV  V
	)
	c.mu.Lock()
	if e, found := c.items[key]; found {
		raced = true
		racedV = e.value
		c.moveToFront(e)
	} else {
		c.insertLocked(key, created)
		victims = c.trimLocked()
	}
	c.mu.Unlock()

	c.notifyVictims(victims)

	if raced {
		c.notifyRemoved(false, key, created, racedV)
		return racedV, true
	}
	return created, true
}

// Put inserts or replaces key's value, adjusting total size and trimming
// if the result exceeds maxSize. Replacing an existing key notifies
// EntryRemoved(evicted=false, oldValue, newValue) for the value it
// displaced.
func (c *Cache[K, V]) Put(key K, value V) {
	var (
		hadOld bool
		oldV   V
		victims []entry[K, V]
	)

	c.mu.Lock()
	if e, found := c.items[key]; found {
		hadOld = true
		oldV = e.value
		c.size -= c.sizeOfChecked(key, oldV)
		e.value = value
		c.size += c.sizeOfChecked(key, value)
		c.moveToFront(e)
	} else {
		c.insertLocked(key, value)
	}
	victims = c.trimLocked()
	c.mu.Unlock()

	if hadOld {
		c.notifyRemoved(false, key, oldV, value)
	}
	c.notifyVictims(victims)
}

// Remove unlinks key if present, returning its value and whether it was
// present. A present key notifies EntryRemoved(evicted=false, oldValue,
// zero-value-of-V).
func (c *Cache[K, V]) Remove(key K) (value V, removed bool) {
	c.mu.Lock()
	e, found := c.items[key]
	if !found {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	c.unlinkLocked(e)
	delete(c.items, key)
	c.size -= c.sizeOfChecked(key, e.value)
	c.mu.Unlock()

	var zero V
	c.notifyRemoved(false, key, e.value, zero)
	return e.value, true
}

// Resize changes maxSize and trims to the new bound.
func (c *Cache[K, V]) Resize(maxSize int) {
	c.mu.Lock()
	c.maxSize = maxSize
	victims := c.trimLocked()
	c.mu.Unlock()
	c.notifyVictims(victims)
}

// TrimToSize evicts the least-recently-used entries, without changing
// maxSize, until size <= targetSize.
func (c *Cache[K, V]) TrimToSize(targetSize int) {
	c.mu.Lock()
	var victims []entry[K, V]
	for c.size > targetSize && c.tail != nil {
		victim := c.tail
		c.unlinkLocked(victim)
		delete(c.items, victim.key)
		c.size -= c.sizeOfChecked(victim.key, victim.value)
		victims = append(victims, *victim)
	}
	c.mu.Unlock()
	c.notifyVictims(victims)
}

// Len returns the number of entries currently present.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns the current total size, as measured by sizeOf.
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Cap returns the configured maxSize bound.
func (c *Cache[K, V]) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// insertLocked adds a new entry as most-recently-used. Must be called
// with c.mu held; the caller is responsible for trimLocked afterward.
func (c *Cache[K, V]) insertLocked(key K, value V) {
	e := &entry[K, V]{key: key, value: value}
	c.items[key] = e
	c.pushFrontLocked(e)
	c.size += c.sizeOfChecked(key, value)
}

// trimLocked evicts least-recently-used entries until size <= maxSize,
// returning a detached copy of each evicted entry for the caller to
// notify outside the lock. Must be called with c.mu held.
func (c *Cache[K, V]) trimLocked() []entry[K, V] {
	var victims []entry[K, V]
	for c.maxSize >= 0 && c.size > c.maxSize && c.tail != nil {
		victim := c.tail
		c.unlinkLocked(victim)
		delete(c.items, victim.key)
		c.size -= c.sizeOfChecked(victim.key, victim.value)
		victims = append(victims, *victim)
	}
	return victims
}

// sizeOfChecked calls the configured sizeOf and panics if it returns a
// negative weight — a negative contribution would silently corrupt the
// size == Σ sizeOf invariant every trim decision relies on.
func (c *Cache[K, V]) sizeOfChecked(key K, value V) int {
	n := c.sizeOf(key, value)
	if n < 0 {
		usagePanic("Cache.sizeOf", "sizeOf returned a negative size")
	}
	return n
}

func (c *Cache[K, V]) moveToFront(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

func (c *Cache[K, V]) pushFrontLocked(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) unlinkLocked(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache[K, V]) notifyVictims(victims []entry[K, V]) {
	if c.entryRemoved == nil {
		return
	}
	var zero V
	for _, v := range victims {
		c.entryRemoved(true, v.key, v.value, zero)
	}
}

func (c *Cache[K, V]) notifyRemoved(evicted bool, key K, oldValue, newValue V) {
	if c.entryRemoved == nil {
		return
	}
	c.entryRemoved(evicted, key, oldValue, newValue)
}
