// Package stream keeps one Server-Sent-Events telemetry connection open for
// the device currently on screen.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/energyflow/fleetwatch/internal/backoff"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/loop"
	"github.com/energyflow/fleetwatch/internal/metrics"
	"github.com/energyflow/fleetwatch/internal/models"
	"github.com/energyflow/fleetwatch/internal/protocol"
)

// State is the connection state shown to the user.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var errStreamEnded = errors.New("stream ended")

// Config holds stream adapter configuration
type Config struct {
	// URL returns the stream endpoint of a device.
	URL     func(deviceID string) string
	Backoff backoff.Config
	// Clock times reconnect waits. Nil means real time.
	Clock clock.Clock
}

// Adapter owns at most one live stream connection.
type Adapter struct {
	cfg     Config
	clock   clock.Clock
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	onPoint *loop.Ref[func(models.TelemetryPoint)]
	onState *loop.Ref[func(State)]

	mu       sync.Mutex
	deviceID string
	cancel   context.CancelFunc
	done     chan struct{}
	state    State
}

// New creates an adapter. httpClient supplies the transport and cookie jar;
// its timeout is not applied to the long-lived stream.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{
		cfg:   cfg,
		clock: clk,
		client: &http.Client{
			Transport: httpClient.Transport,
			Jar:       httpClient.Jar,
		},
		logger:  logger.With("component", "stream"),
		metrics: m,
		onPoint: loop.NewRef[func(models.TelemetryPoint)](nil),
		onState: loop.NewRef[func(State)](nil),
		state:   StateClosed,
	}
}

// SetHandler replaces the telemetry handler without reconnecting. The
// handler runs on the connection goroutine.
func (a *Adapter) SetHandler(fn func(models.TelemetryPoint)) {
	a.onPoint.Store(fn)
}

// SetStateHandler replaces the state change handler.
func (a *Adapter) SetStateHandler(fn func(State)) {
	a.onState.Store(fn)
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Sync makes the connection match (deviceID, enabled): a no-op when it
// already does, otherwise the old connection is closed before a new one is
// opened.
func (a *Adapter) Sync(deviceID string, enabled bool) {
	if enabled && deviceID == "" {
		enabled = false
	}

	a.mu.Lock()
	if enabled && a.cancel != nil && a.deviceID == deviceID {
		a.mu.Unlock()
		return
	}
	closed := a.stopLocked()
	if !enabled {
		a.mu.Unlock()
		a.notify(closed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.deviceID = deviceID
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.notify(closed)
	a.setState(ctx, StateConnecting)
	go a.run(ctx, deviceID, done)
}

// Close tears down the connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	closed := a.stopLocked()
	a.mu.Unlock()
	a.notify(closed)
}

func (a *Adapter) notify(closed bool) {
	if !closed {
		return
	}
	if fn := a.onState.Load(); fn != nil {
		fn(StateClosed)
	}
}

// stopLocked cancels the current connection and waits for its goroutine.
// a.mu is released while waiting. It reports whether the state moved to
// StateClosed.
func (a *Adapter) stopLocked() bool {
	if a.cancel == nil {
		return false
	}
	cancel, done, id := a.cancel, a.done, a.deviceID
	a.cancel, a.done, a.deviceID = nil, nil, ""

	cancel()
	a.mu.Unlock()
	<-done
	a.mu.Lock()

	a.logger.Debug("stream closed", "device", id)
	if a.state == StateClosed {
		return false
	}
	a.state = StateClosed
	return true
}

// setState records s unless ctx, the connection it belongs to, has been
// torn down.
func (a *Adapter) setState(ctx context.Context, s State) {
	a.mu.Lock()
	if ctx.Err() != nil || a.state == s {
		a.mu.Unlock()
		return
	}
	a.state = s
	a.mu.Unlock()

	if fn := a.onState.Load(); fn != nil {
		fn(s)
	}
}

func (a *Adapter) run(ctx context.Context, deviceID string, done chan struct{}) {
	defer close(done)

	url := a.cfg.URL(deviceID)
	b := backoff.New(a.cfg.Backoff)
	var lastID string

	for {
		err := a.connect(ctx, url, &lastID, b)
		if ctx.Err() != nil {
			return
		}

		if a.State() == StateConnected {
			a.setState(ctx, StateReconnecting)
		}
		delay := b.Next()
		a.metrics.Reconnect(metrics.ChannelStream)
		a.logger.Info("stream disconnected, retrying", "device", deviceID, "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-a.clock.After(delay):
		}
	}
}

// connect opens the stream and reads it until it fails.
func (a *Adapter) connect(ctx context.Context, url string, lastID *string, b *backoff.Backoff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	a.setState(ctx, StateConnected)
	b.Reset()
	a.logger.Debug("stream connected", "url", url)

	scanner := NewScanner(resp.Body)
	for scanner.Next() {
		*lastID = scanner.LastEventID()
		if r := scanner.Retry(); r > 0 {
			b.SetInitial(r)
		}
		ev := scanner.Event()
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		a.deliver(ctx, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamEnded
}

func (a *Adapter) deliver(ctx context.Context, ev Event) {
	p, err := protocol.DecodeTelemetry([]byte(ev.Data))
	if err != nil {
		if protocol.IsIgnorable(err) {
			a.metrics.PushDropped(metrics.ChannelStream, "ignored")
			return
		}
		a.metrics.PushDropped(metrics.ChannelStream, "parse")
		a.logger.Warn("stream parse error", "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	a.metrics.PushEvent(metrics.ChannelStream, "telemetry")
	if fn := a.onPoint.Load(); fn != nil {
		fn(p)
	}
}
