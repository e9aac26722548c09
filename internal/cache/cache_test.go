package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energyflow/fleetwatch/internal/clock"
)

var epoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func TestKeyPrefix(t *testing.T) {
	k := Key{"device", "a", "readings", "24h", "from", "to"}

	assert.True(t, k.HasPrefix(Key{"device", "a"}))
	assert.True(t, k.HasPrefix(Key{}))
	assert.True(t, k.HasPrefix(k))
	assert.False(t, k.HasPrefix(Key{"device", "b"}))
	assert.False(t, Key{"device"}.HasPrefix(k))
	// segment-wise, not string-wise
	assert.False(t, Key{"device", "ab"}.HasPrefix(Key{"device", "a"}))

	assert.Equal(t, "readings", k.Type())
	assert.Equal(t, "fleet", Key{"fleet"}.Type())
	assert.Equal(t, "device/a/readings/24h/from/to", k.String())
}

func TestSetPassesPreviousValue(t *testing.T) {
	c := New(clock.NewFake(epoch))
	key := Key{"counter"}

	c.Set(key, func(prev any, ok bool) any {
		assert.False(t, ok)
		assert.Nil(t, prev)
		return 1
	})
	c.Set(key, func(prev any, ok bool) any {
		assert.True(t, ok)
		return prev.(int) + 1
	})

	v, ok := Value[int](c, key)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestUpdateUsesEmptyDefault(t *testing.T) {
	c := New(clock.NewFake(epoch))
	key := Key{"list"}

	Update(c, key, []string(nil), func(prev []string) []string {
		return append(prev, "a")
	})
	Update(c, key, []string(nil), func(prev []string) []string {
		return append(append([]string(nil), prev...), "b")
	})

	v, _ := Value[[]string](c, key)
	assert.Equal(t, []string{"a", "b"}, v)

	// a value of another type is replaced by the empty default
	c.Put(Key{"mixed"}, "text")
	Update(c, Key{"mixed"}, 10, func(prev int) int { return prev + 1 })
	n, ok := Value[int](c, Key{"mixed"})
	require.True(t, ok)
	assert.Equal(t, 11, n)
}

func TestSubscribersNotifiedInRegistrationOrder(t *testing.T) {
	c := New(clock.NewFake(epoch))

	var order []string
	c.Subscribe(func(Event) { order = append(order, "first") })
	unsub := c.Subscribe(func(Event) { order = append(order, "second") })
	c.Subscribe(func(Event) { order = append(order, "third") })

	c.Put(Key{"x"}, 1)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	unsub()
	c.Put(Key{"x"}, 2)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestUnsubscribeDuringNotification(t *testing.T) {
	c := New(clock.NewFake(epoch))

	calls := 0
	var unsub func()
	unsub = c.Subscribe(func(Event) {
		calls++
		unsub()
	})
	other := 0
	c.Subscribe(func(Event) { other++ })

	c.Put(Key{"x"}, 1)
	c.Put(Key{"x"}, 2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
}

func TestInvalidateMarksPrefixStale(t *testing.T) {
	clk := clock.NewFake(epoch)
	c := New(clk)
	c.Put(Key{"device", "a", "summary"}, 1)
	c.Put(Key{"device", "a", "alerts", "unacked"}, 2)
	c.Put(Key{"device", "b", "summary"}, 3)

	var events []Event
	c.Subscribe(func(ev Event) { events = append(events, ev) })

	n := c.Invalidate(Key{"device", "a"})
	assert.Equal(t, 2, n)

	e, _ := c.Get(Key{"device", "a", "summary"})
	assert.True(t, e.Stale)
	e, _ = c.Get(Key{"device", "b", "summary"})
	assert.False(t, e.Stale)

	require.Len(t, events, 1)
	assert.Equal(t, EventInvalidate, events[0].Kind)
	assert.Equal(t, Key{"device", "a"}, events[0].Key)

	// a later write makes the entry fresh again
	clk.Advance(time.Second)
	c.Put(Key{"device", "a", "summary"}, 4)
	e, _ = c.Get(Key{"device", "a", "summary"})
	assert.False(t, e.Stale)
	assert.Equal(t, epoch.Add(time.Second), e.UpdatedAt)
}

func TestInvalidateWithoutEntriesStillNotifies(t *testing.T) {
	c := New(clock.NewFake(epoch))
	notified := false
	c.Subscribe(func(ev Event) { notified = ev.Kind == EventInvalidate })

	assert.Equal(t, 0, c.Invalidate(Key{"fleet"}))
	assert.True(t, notified)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clk := clock.NewFake(epoch)
	c := New(clk)
	list := Key{"device", "a", "alerts", "unacked"}
	summary := Key{"device", "a", "summary"}
	missing := Key{"device", "a", "other"}

	c.Put(list, []string{"al1", "al2"})
	c.Put(summary, 2)
	before := c.Snapshot(list, summary, missing)
	origList, _ := c.Get(list)
	origSummary, _ := c.Get(summary)

	clk.Advance(time.Minute)
	c.Put(list, []string{"al2"})
	c.Put(summary, 1)
	c.Put(missing, "created later")

	var restored []Key
	c.Subscribe(func(ev Event) {
		// every key is already restored when the first listener runs
		l, _ := Value[[]string](c, list)
		s, _ := Value[int](c, summary)
		assert.Equal(t, []string{"al1", "al2"}, l)
		assert.Equal(t, 2, s)
		restored = append(restored, ev.Key)
	})
	c.Restore(before)

	gotList, _ := c.Get(list)
	gotSummary, _ := c.Get(summary)
	assert.Equal(t, origList, gotList)
	assert.Equal(t, origSummary, gotSummary)
	_, ok := c.Get(missing)
	assert.False(t, ok, "a key absent at snapshot time is removed again")
	assert.Len(t, restored, 3)
}

func TestEvictAndKeys(t *testing.T) {
	c := New(clock.NewFake(epoch))
	c.Put(Key{"device", "a", "summary"}, 1)
	c.Put(Key{"device", "b", "summary"}, 1)
	c.Put(Key{"fleet"}, 1)

	assert.Len(t, c.Keys(Key{"device"}), 2)
	assert.Equal(t, 3, c.Len())

	c.Evict(Key{"device", "a", "summary"})
	c.Evict(Key{"nope"})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(Key{"device", "a", "summary"})
	assert.False(t, ok)
}
