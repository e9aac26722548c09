// Package engine wires the cache, query controller, push channels and
// mutation coordinator into the device and fleet views.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/energyflow/fleetwatch/internal/api"
	"github.com/energyflow/fleetwatch/internal/backoff"
	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/loop"
	"github.com/energyflow/fleetwatch/internal/metrics"
	"github.com/energyflow/fleetwatch/internal/mutation"
	"github.com/energyflow/fleetwatch/internal/protocol"
	"github.com/energyflow/fleetwatch/internal/query"
	"github.com/energyflow/fleetwatch/internal/socket"
)

// Config holds engine configuration
type Config struct {
	API    api.Config
	Socket socket.Config // Socket.URL empty disables the push channel
	Stream backoff.Config

	StaleTime     time.Duration // freshness of device summary and readings
	Retry         int           // retries after a failed fetch
	RangeDebounce time.Duration

	// Clock drives intervals, retries and debounces. Nil means real time.
	Clock clock.Clock
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		API:           api.DefaultConfig(),
		Socket:        socket.DefaultConfig(),
		Stream:        backoff.DefaultConfig(),
		StaleTime:     10 * time.Second,
		Retry:         query.DefaultRetry,
		RangeDebounce: 150 * time.Millisecond,
	}
}

// Engine is the client state of one process: one cache, one event loop, one
// shared push channel.
type Engine struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	loop      *loop.Loop
	cache     *cache.Cache
	queries   *query.Controller
	mutations *mutation.Coordinator
	api       *api.Client
	socket    *socket.Channel

	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. Start must be called before opening views.
func New(config Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	client, err := api.New(config.API, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	lp := loop.New(logger)
	c := cache.New(clk)
	e := &Engine{
		config:    config,
		logger:    logger.With("component", "engine"),
		metrics:   m,
		clock:     clk,
		loop:      lp,
		cache:     c,
		queries:   query.New(c, lp, clk, logger, m),
		mutations: mutation.New(c, lp, logger, m),
		api:       client,
		changes:   make(chan struct{}, 1),
	}
	if config.Socket.URL != "" {
		e.socket = socket.New(config.Socket, logger, m)
		e.socket.OnAny(func(env protocol.Envelope) {
			e.logger.Debug("socket event", "event", env.Event, "bytes", len(env.Data))
		})
	}

	// The loop is not running yet, so subscribing here cannot race it.
	c.Subscribe(func(cache.Event) { e.notify() })
	e.queries.OnChange(func(cache.Key) { e.notify() })
	return e, nil
}

// Start runs the event loop and connects the push channel.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("event loop stopped", "error", err)
		}
	}()

	if e.socket != nil {
		e.socket.EnsureConnected(ctx)
	}
	e.logger.Info("engine started", "api", e.api.BaseURL(), "socket", e.config.Socket.URL)
}

// Stop disconnects the push channel and stops the loop. Views should be
// closed first.
func (e *Engine) Stop() {
	if e.socket != nil {
		e.socket.Close()
	}
	if e.cancel != nil {
		_ = e.loop.Call(context.Background(), e.queries.Close)
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Changes is signalled, coalesced, whenever cached data or fetch status
// changes. Renderers take a fresh snapshot on each signal.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// API returns the HTTP client.
func (e *Engine) API() *api.Client { return e.api }

// Do runs fn on the event loop and waits for it.
func (e *Engine) Do(ctx context.Context, fn func(c *cache.Cache)) error {
	return e.loop.Call(ctx, func() { fn(e.cache) })
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// dropped records a push payload that could not be applied.
func (e *Engine) dropped(event string, err error) {
	e.metrics.PushDropped(metrics.ChannelSocket, "parse")
	e.logger.Warn("dropping malformed push event", "event", event, "error", err)
}

func (e *Engine) queryOptions(staleTime, interval time.Duration, keepPrevious bool) query.Options {
	opts := query.DefaultOptions()
	opts.StaleTime = staleTime
	opts.RefetchInterval = interval
	opts.KeepPreviousData = keepPrevious
	opts.Retry = e.config.Retry
	return opts
}
