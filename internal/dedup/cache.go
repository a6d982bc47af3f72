// Package dedup maps media fingerprints to delivered-file references and
// coalesces concurrent transfers of the same fingerprint into one flight.
package dedup

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediafetch/internal/domain"
)

const defaultCapacity = 5000

// Cache is an LRU of fingerprint -> file reference plus the table of
// in-flight transfers. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
	flights  map[string]*Flight
	now      func() time.Time
}

// Flight is one in-flight transfer shared by every job interested in its fingerprint.
type Flight struct {
	Fingerprint string

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	interest int
	ref      string
	err      error
	progress atomic.Int64
	total    atomic.Int64
}

// Ticket is the outcome of Join.
type Ticket struct {
	// Ref is set on a cache hit.
	Ref string
	// Flight is set when the caller must wait on an in-flight transfer.
	Flight *Flight
	// Leader is true when the caller created Flight and must start the transfer.
	Leader bool
}

// Hit reports whether the ticket carries a cached reference.
func (t Ticket) Hit() bool { return t.Flight == nil }

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		flights:  make(map[string]*Flight),
		now:      time.Now,
	}
}

// Lookup returns the cached reference for fp and refreshes its recency.
func (c *Cache) Lookup(fp string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(fp)
}

func (c *Cache) lookupLocked(fp string) (string, bool) {
	el, ok := c.entries[fp]
	if !ok {
		return "", false
	}
	entry := el.Value.(*domain.CacheEntry)
	entry.LastAccess = c.now()
	c.order.MoveToFront(el)
	return entry.FileRef, true
}

// Insert stores ref under fp, replacing any previous reference.
func (c *Cache) Insert(fp, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(fp, ref)
}

func (c *Cache) insertLocked(fp, ref string) {
	now := c.now()
	if el, ok := c.entries[fp]; ok {
		c.order.Remove(el)
		delete(c.entries, fp)
	}
	c.entries[fp] = c.order.PushFront(&domain.CacheEntry{
		Fingerprint: fp,
		FileRef:     ref,
		LastAccess:  now,
		CreatedAt:   now,
	})
	c.evictLocked()
}

// evictLocked drops least-recently-used entries above capacity, skipping any
// fingerprint that still has an in-flight transfer. The newest entry is never
// evicted; the cache may briefly exceed capacity instead.
func (c *Cache) evictLocked() {
	el := c.order.Back()
	for len(c.entries) > c.capacity && el != nil && el != c.order.Front() {
		prev := el.Prev()
		entry := el.Value.(*domain.CacheEntry)
		if _, busy := c.flights[entry.Fingerprint]; !busy {
			c.order.Remove(el)
			delete(c.entries, entry.Fingerprint)
		}
		el = prev
	}
}

// Invalidate removes fp. It reports whether an entry existed.
func (c *Cache) Invalidate(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, fp)
	return true
}

// InvalidateRef removes every entry pointing at ref and returns how many were dropped.
func (c *Cache) InvalidateRef(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, el := range c.entries {
		if el.Value.(*domain.CacheEntry).FileRef == ref {
			c.order.Remove(el)
			delete(c.entries, fp)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Join atomically decides between a cache hit, waiting on an existing flight,
// or leading a new one. The flight context is derived from parent, not from
// the caller's job, so the transfer outlives any single interested job.
func (c *Cache) Join(parent context.Context, fp string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ref, ok := c.lookupLocked(fp); ok {
		return Ticket{Ref: ref}
	}
	if f, ok := c.flights[fp]; ok {
		f.interest++
		return Ticket{Flight: f}
	}

	ctx, cancel := context.WithCancel(parent)
	f := &Flight{
		Fingerprint: fp,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		interest:    1,
	}
	c.flights[fp] = f
	return Ticket{Flight: f, Leader: true}
}

// Leave drops one unit of interest in f. When the last interested job leaves
// before completion the flight's transfer is cancelled.
func (c *Cache) Leave(f *Flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.interest > 0 {
		f.interest--
	}
	if f.interest == 0 && !f.finished() {
		f.cancel()
	}
}

// Complete publishes the flight result. On success the reference is inserted
// before waiters are released, so none of them can observe a missing entry.
func (c *Cache) Complete(f *Flight, ref string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.finished() {
		return
	}
	if c.flights[f.Fingerprint] == f {
		delete(c.flights, f.Fingerprint)
	}
	f.ref, f.err = ref, err
	if err == nil {
		c.insertLocked(f.Fingerprint, ref)
	}
	close(f.done)
	f.cancel()
}

// InFlight returns the number of active flights.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Snapshot copies all entries, most recently used first.
func (c *Cache) Snapshot() []domain.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CacheEntry, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*domain.CacheEntry))
	}
	return out
}

// Restore replaces the cache contents with entries, keeping the most recent
// ones when they exceed capacity.
func (c *Cache) Restore(entries []domain.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, len(entries))
	for i := range entries {
		e := entries[i]
		if e.Fingerprint == "" || e.FileRef == "" {
			continue
		}
		if _, dup := c.entries[e.Fingerprint]; dup {
			continue
		}
		c.entries[e.Fingerprint] = c.order.PushBack(&e)
	}
	c.evictLocked()
}

// Context is cancelled when the flight completes or loses all interest.
func (f *Flight) Context() context.Context { return f.ctx }

// Done is closed once Complete has been called.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Result is valid after Done is closed.
func (f *Flight) Result() (string, error) { return f.ref, f.err }

// SetProgress records transfer progress for status queries of joined jobs.
func (f *Flight) SetProgress(done, total int64) {
	f.progress.Store(done)
	if total > 0 {
		f.total.Store(total)
	}
}

// Progress returns the last recorded progress.
func (f *Flight) Progress() (int64, int64) {
	return f.progress.Load(), f.total.Load()
}

func (f *Flight) finished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
