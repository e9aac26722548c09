package cache

// Snapshot holds the entries of a set of keys, including the fact that a key
// had no entry, so they can be put back exactly.
type Snapshot struct {
	items []snapshotItem
}

type snapshotItem struct {
	key     Key
	entry   Entry
	present bool
}

// Keys returns the keys captured by the snapshot.
func (s Snapshot) Keys() []Key {
	keys := make([]Key, len(s.items))
	for i, it := range s.items {
		keys[i] = it.key
	}
	return keys
}

// Snapshot captures the current entries of keys. Values are held by
// reference; cached values are treated as immutable.
func (c *Cache) Snapshot(keys ...Key) Snapshot {
	s := Snapshot{items: make([]snapshotItem, 0, len(keys))}
	for _, k := range keys {
		e, ok := c.Get(k)
		s.items = append(s.items, snapshotItem{
			key:     append(Key(nil), k...),
			entry:   e,
			present: ok,
		})
	}
	return s
}

// Restore writes every captured entry back, removing keys that had none,
// and only then notifies subscribers. Consumers never observe a partially
// restored state.
func (c *Cache) Restore(s Snapshot) {
	for _, it := range s.items {
		id := it.key.id()
		if !it.present {
			delete(c.entries, id)
			continue
		}
		c.entries[id] = &record{key: it.key, entry: it.entry}
	}
	for _, it := range s.items {
		c.notify(Event{Kind: EventRestore, Key: it.key})
	}
}
