// Package query binds cache keys to fetchers and keeps them fresh.
//
// A Controller tracks one query per key and any number of observers per
// query. It decides when to fetch (mount, interval, invalidation, manual
// refetch), retries failures with exponential backoff, ignores results of
// fetches that were abandoned, and evicts keys nobody has observed for a
// while.
//
// Controller and Observer methods must be called on the event loop, except
// Observer.Refetch which must not be.
package query

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/loop"
	"github.com/energyflow/fleetwatch/internal/metrics"
)

// Defaults applied by DefaultOptions.
const (
	DefaultRetry  = 3
	DefaultGCTime = 5 * time.Minute

	retryBase = time.Second
	retryMax  = 8 * time.Second
)

var (
	// ErrAbandoned is returned to Refetch callers when the query lost its
	// last observer before the fetch settled.
	ErrAbandoned = errors.New("query abandoned")

	// ErrClosed is returned by Refetch on a closed observer.
	ErrClosed = errors.New("observer closed")
)

// Fetcher loads the value of a key. The context is cancelled when the
// fetch is abandoned.
type Fetcher func(ctx context.Context) (any, error)

// Options configure one observer.
type Options struct {
	Enabled bool
	// RefetchInterval polls the key while mounted. Zero disables polling.
	RefetchInterval time.Duration
	// StaleTime is how long a fetched value counts as fresh on mount.
	StaleTime time.Duration
	// KeepPreviousData exposes the previous key's value as a placeholder
	// after Switch until the new key has data.
	KeepPreviousData bool
	// Retry is the number of retries after the first failed attempt.
	Retry int
	// GCTime is how long an unobserved key stays cached.
	GCTime time.Duration
}

// DefaultOptions returns enabled options with the default retry and GC
// settings.
func DefaultOptions() Options {
	return Options{
		Enabled: true,
		Retry:   DefaultRetry,
		GCTime:  DefaultGCTime,
	}
}

// RetryDelay returns the wait before retry number attempt (0-based).
func RetryDelay(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt && d < retryMax; i++ {
		d *= 2
	}
	return min(d, retryMax)
}

// State is what an observer sees of its key.
type State struct {
	Data          any
	IsFetching    bool
	IsPending     bool
	Err           error
	DataUpdatedAt time.Time
	IsPlaceholder bool
}

type query struct {
	key       cache.Key
	fetcher   Fetcher
	observers map[*Observer]struct{}

	fetching bool
	again    bool
	gen      uint64
	cancel   context.CancelFunc
	waiters  []chan error
	err      error

	gcTimer clock.Timer
	gcGen   uint64
}

func (q *query) enabled() bool {
	for o := range q.observers {
		if o.opts.Enabled {
			return true
		}
	}
	return false
}

func (q *query) retry() int {
	n := 0
	for o := range q.observers {
		n = max(n, o.opts.Retry)
	}
	return n
}

// Controller owns the queries of one cache.
type Controller struct {
	cache   *cache.Cache
	loop    loop.Poster
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	queries   map[string]*query
	listeners []func(cache.Key)
	unsub     func()
}

// New creates a controller and subscribes it to cache invalidations.
func New(c *cache.Cache, lp loop.Poster, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctrl := &Controller{
		cache:   c,
		loop:    lp,
		clock:   clk,
		logger:  logger.With("component", "query"),
		metrics: m,
		queries: make(map[string]*query),
	}
	ctrl.unsub = c.Subscribe(ctrl.onCacheEvent)
	return ctrl
}

// Cache returns the cache the controller writes to.
func (c *Controller) Cache() *cache.Cache { return c.cache }

// Clock returns the controller's clock.
func (c *Controller) Clock() clock.Clock { return c.clock }

// Invalidate marks every entry under prefix stale. Mounted, enabled queries
// under prefix refetch immediately.
func (c *Controller) Invalidate(prefix cache.Key) {
	n := c.cache.Invalidate(prefix)
	c.logger.Debug("invalidated", "prefix", prefix.String(), "entries", n)
}

// OnChange registers fn to be told when the fetch status of a key changes.
// Value changes are reported by the cache itself.
func (c *Controller) OnChange(fn func(cache.Key)) func() {
	c.listeners = append(c.listeners, fn)
	idx := len(c.listeners) - 1
	return func() {
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

// Close stops listening to the cache and abandons every query.
func (c *Controller) Close() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	for id, q := range c.queries {
		c.abandon(q)
		if q.gcTimer != nil {
			q.gcTimer.Stop()
		}
		delete(c.queries, id)
	}
}

// Observe mounts an observer on key. When enabled and the cached value is
// missing, invalidated or older than StaleTime, a fetch starts.
func (c *Controller) Observe(key cache.Key, opts Options, fetcher Fetcher) *Observer {
	o := &Observer{c: c, opts: opts}
	c.attach(o, key, fetcher)
	c.schedule(o)
	return o
}

func (c *Controller) attach(o *Observer, key cache.Key, fetcher Fetcher) {
	id := key.String()
	q, ok := c.queries[id]
	if !ok {
		q = &query{
			key:       append(cache.Key(nil), key...),
			observers: make(map[*Observer]struct{}),
		}
		c.queries[id] = q
	}
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
		q.gcGen++
	}
	q.observers[o] = struct{}{}
	q.fetcher = fetcher
	o.q = q

	if o.opts.Enabled && c.isStale(q, o.opts.StaleTime) {
		c.fetch(q)
	}
}

func (c *Controller) detach(o *Observer) {
	q := o.q
	if q == nil {
		return
	}
	delete(q.observers, o)
	o.q = nil
	if len(q.observers) > 0 {
		return
	}

	c.abandon(q)

	gcTime := o.opts.GCTime
	q.gcGen++
	gen := q.gcGen
	q.gcTimer = c.clock.AfterFunc(gcTime, func() {
		c.loop.Post(func() { c.collect(q, gen) })
	})
}

func (c *Controller) collect(q *query, gen uint64) {
	if q.gcGen != gen || len(q.observers) > 0 {
		return
	}
	id := q.key.String()
	if c.queries[id] != q {
		return
	}
	delete(c.queries, id)
	c.cache.Evict(q.key)
	c.metrics.SetCacheEntries(c.cache.Len())
	c.logger.Debug("evicted unobserved query", "key", id)
}

func (c *Controller) isStale(q *query, staleTime time.Duration) bool {
	e, ok := c.cache.Get(q.key)
	if !ok || e.Stale {
		return true
	}
	return c.clock.Now().Sub(e.UpdatedAt) >= staleTime
}

// fetch starts a fetch of q unless one is in flight.
func (c *Controller) fetch(q *query) {
	if q.fetching {
		return
	}
	if q.fetcher == nil {
		return
	}

	q.fetching = true
	q.gen++
	gen := q.gen
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	go c.run(ctx, q.key, q.fetcher, q.retry(), func(v any, err error) {
		c.loop.Post(func() { c.settle(q, gen, v, err) })
	})
	c.changed(q.key)
}

func (c *Controller) run(ctx context.Context, key cache.Key, fetcher Fetcher, retries int, done func(any, error)) {
	var (
		v   any
		err error
	)
	for attempt := 0; ; attempt++ {
		v, err = fetcher(ctx)
		if err == nil || ctx.Err() != nil || attempt >= retries {
			break
		}

		c.metrics.FetchRetried(key.Type())
		c.logger.Debug("fetch failed, retrying", "key", key.String(), "attempt", attempt+1, "error", err)
		select {
		case <-c.clock.After(RetryDelay(attempt)):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	done(v, err)
}

func (c *Controller) settle(q *query, gen uint64, v any, err error) {
	entity := q.key.Type()
	if !q.fetching || q.gen != gen {
		c.metrics.FetchDone(entity, metrics.OutcomeAbandoned)
		return
	}

	q.fetching = false
	q.cancel()
	q.cancel = nil
	waiters := q.waiters
	q.waiters = nil

	if err != nil {
		q.err = err
		c.metrics.FetchDone(entity, metrics.OutcomeError)
		c.logger.Warn("fetch failed", "key", q.key.String(), "error", err)
	} else {
		q.err = nil
		c.metrics.FetchDone(entity, metrics.OutcomeSuccess)
		c.cache.Put(q.key, v)
		c.metrics.SetCacheEntries(c.cache.Len())
	}

	for _, w := range waiters {
		w <- err
	}
	c.changed(q.key)

	if q.again {
		q.again = false
		if q.enabled() {
			c.fetch(q)
		}
	}
}

// abandon drops the in-flight fetch of q, if any.
func (c *Controller) abandon(q *query) {
	q.again = false
	if !q.fetching {
		return
	}
	q.fetching = false
	q.gen++
	q.cancel()
	q.cancel = nil
	for _, w := range q.waiters {
		w <- ErrAbandoned
	}
	q.waiters = nil
	c.changed(q.key)
}

func (c *Controller) onCacheEvent(ev cache.Event) {
	if ev.Kind != cache.EventInvalidate {
		return
	}
	for _, q := range c.queries {
		if !q.key.HasPrefix(ev.Key) || !q.enabled() {
			continue
		}
		if q.fetching {
			q.again = true
			continue
		}
		c.fetch(q)
	}
}

func (c *Controller) changed(key cache.Key) {
	for _, fn := range c.listeners {
		if fn != nil {
			fn(key)
		}
	}
}

// schedule arms the interval timer of o according to its options.
func (c *Controller) schedule(o *Observer) {
	if o.interval != nil {
		o.interval.Stop()
		o.interval = nil
	}
	o.tick++
	if o.closed || !o.opts.Enabled || o.opts.RefetchInterval <= 0 {
		return
	}

	tick := o.tick
	o.interval = c.clock.AfterFunc(o.opts.RefetchInterval, func() {
		c.loop.Post(func() {
			if o.closed || o.tick != tick || o.q == nil {
				return
			}
			c.fetch(o.q)
			c.schedule(o)
		})
	})
}

// Observer is one consumer of a key.
type Observer struct {
	c    *Controller
	q    *query
	opts Options

	placeholder    any
	hasPlaceholder bool

	interval clock.Timer
	tick     uint64
	closed   bool
}

// Key returns the key currently observed.
func (o *Observer) Key() cache.Key {
	if o.q == nil {
		return nil
	}
	return o.q.key
}

// State returns the observer's view of its key.
func (o *Observer) State() State {
	if o.q == nil {
		return State{}
	}
	q := o.q
	s := State{IsFetching: q.fetching, Err: q.err}

	if e, ok := o.c.cache.Get(q.key); ok {
		o.placeholder, o.hasPlaceholder = nil, false
		s.Data = e.Value
		s.DataUpdatedAt = e.UpdatedAt
		return s
	}
	if o.hasPlaceholder {
		s.Data = o.placeholder
		s.IsPlaceholder = true
		return s
	}
	s.IsPending = true
	return s
}

// SetOptions replaces the observer's options. Enabling a stale key fetches
// it.
func (o *Observer) SetOptions(opts Options) {
	if o.closed {
		return
	}
	wasEnabled := o.opts.Enabled
	o.opts = opts
	if opts.Enabled && !wasEnabled && o.c.isStale(o.q, opts.StaleTime) {
		o.c.fetch(o.q)
	}
	o.c.schedule(o)
}

// Switch moves the observer to another key. The old key keeps its cached
// value; if no one else observes it, its in-flight fetch is abandoned.
func (o *Observer) Switch(key cache.Key, fetcher Fetcher) {
	if o.closed {
		return
	}
	if o.q != nil && o.q.key.Equal(key) {
		o.q.fetcher = fetcher
		return
	}

	if o.opts.KeepPreviousData && o.q != nil {
		if e, ok := o.c.cache.Get(o.q.key); ok {
			o.placeholder, o.hasPlaceholder = e.Value, true
		}
	} else {
		o.placeholder, o.hasPlaceholder = nil, false
	}

	o.c.detach(o)
	o.c.attach(o, key, fetcher)
	o.c.schedule(o)
	o.c.changed(key)
}

// Refetch fetches the key now, or joins the fetch in flight, and waits for
// it to settle. It works on disabled observers too.
func (o *Observer) Refetch(ctx context.Context) error {
	done := make(chan error, 1)
	o.c.loop.Post(func() {
		if o.closed || o.q == nil || o.q.fetcher == nil {
			done <- ErrClosed
			return
		}
		o.q.waiters = append(o.q.waiters, done)
		o.c.fetch(o.q)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unmounts the observer.
func (o *Observer) Close() {
	if o.closed {
		return
	}
	o.closed = true
	o.c.schedule(o)
	o.c.detach(o)
}
