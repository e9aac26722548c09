// Package cache is the in-memory entity store shared by every view of one
// client process.
//
// Entries are addressed by composite keys and written through updater
// functions. Every write notifies subscribers synchronously, in the order
// they subscribed. The cache is not safe for concurrent use; it belongs to
// the event loop goroutine.
package cache

import (
	"strings"
	"time"

	"github.com/energyflow/fleetwatch/internal/clock"
)

// Key is a composite, exact-match cache key such as
// {"device", "a1", "summary"}.
type Key []string

// String renders the key for logs.
func (k Key) String() string { return strings.Join(k, "/") }

// Type returns the entity type segment used for metrics labels: the first
// segment, or the third for device keys ("summary", "alerts", "readings").
func (k Key) Type() string {
	switch {
	case len(k) == 0:
		return ""
	case k[0] == "device" && len(k) >= 3:
		return k[2]
	default:
		return k[0]
	}
}

// Equal reports whether both keys have the same segments.
func (k Key) Equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p matches the leading segments of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

func (k Key) id() string { return strings.Join(k, "\x1f") }

// Entry is a cached value with its staleness metadata.
type Entry struct {
	Value     any
	UpdatedAt time.Time
	Stale     bool
}

// EventKind says what happened to a key.
type EventKind int

const (
	EventSet EventKind = iota
	EventInvalidate
	EventRestore
	EventEvict
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventInvalidate:
		return "invalidate"
	case EventRestore:
		return "restore"
	case EventEvict:
		return "evict"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. For EventInvalidate, Key is the prefix
// that was invalidated and may not name an existing entry.
type Event struct {
	Kind EventKind
	Key  Key
}

// Listener receives cache events.
type Listener func(Event)

type record struct {
	key   Key
	entry Entry
}

type subscription struct {
	id int
	fn Listener
}

// Cache is the entity store.
type Cache struct {
	clock     clock.Clock
	entries   map[string]*record
	listeners []subscription
	nextID    int
}

// New creates an empty cache.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		clock:   clk,
		entries: make(map[string]*record),
	}
}

// Get returns the entry stored under key.
func (c *Cache) Get(key Key) (Entry, bool) {
	r, ok := c.entries[key.id()]
	if !ok {
		return Entry{}, false
	}
	return r.entry, true
}

// Set replaces the value under key with fn(prev). ok is false when the key
// has no entry yet. The write clears the stale mark.
func (c *Cache) Set(key Key, fn func(prev any, ok bool) any) {
	var prev any
	r, ok := c.entries[key.id()]
	if ok {
		prev = r.entry.Value
	}
	c.Put(key, fn(prev, ok))
}

// Put stores v under key.
func (c *Cache) Put(key Key, v any) {
	id := key.id()
	r, ok := c.entries[id]
	if !ok {
		r = &record{key: append(Key(nil), key...)}
		c.entries[id] = r
	}
	r.entry = Entry{Value: v, UpdatedAt: c.clock.Now()}
	c.notify(Event{Kind: EventSet, Key: r.key})
}

// Invalidate marks every entry under prefix stale and returns how many were
// marked. Subscribers are told about the prefix even when nothing matched,
// so live queries without data yet can refetch too.
func (c *Cache) Invalidate(prefix Key) int {
	n := 0
	for _, r := range c.entries {
		if r.key.HasPrefix(prefix) {
			r.entry.Stale = true
			n++
		}
	}
	c.notify(Event{Kind: EventInvalidate, Key: append(Key(nil), prefix...)})
	return n
}

// Evict drops the entry under key.
func (c *Cache) Evict(key Key) {
	id := key.id()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	c.notify(Event{Kind: EventEvict, Key: key})
}

// Keys returns the keys under prefix.
func (c *Cache) Keys(prefix Key) []Key {
	var keys []Key
	for _, r := range c.entries {
		if r.key.HasPrefix(prefix) {
			keys = append(keys, r.key)
		}
	}
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int { return len(c.entries) }

// Subscribe registers fn and returns a function that removes it.
func (c *Cache) Subscribe(fn Listener) func() {
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, subscription{id: id, fn: fn})

	return func() {
		for i, s := range c.listeners {
			if s.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Cache) notify(ev Event) {
	listeners := append([]subscription(nil), c.listeners...)
	for _, s := range listeners {
		s.fn(ev)
	}
}

// Value returns the typed value under key.
func Value[T any](c *Cache, key Key) (T, bool) {
	e, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := e.Value.(T)
	return v, ok
}

// Update applies fn to the typed value under key, passing empty when the key
// has no entry or holds a value of another type.
func Update[T any](c *Cache, key Key, empty T, fn func(T) T) {
	c.Set(key, func(prev any, ok bool) any {
		cur := empty
		if ok {
			if v, isT := prev.(T); isT {
				cur = v
			}
		}
		return fn(cur)
	})
}
