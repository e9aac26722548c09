// Package socket provides the shared WebSocket channel that carries fleet
// telemetry snapshots and alert events for every device.
//
// One Channel is shared by the whole process. Views register handlers per
// event name and must remove them when they go away.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/energyflow/fleetwatch/internal/backoff"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/metrics"
	"github.com/energyflow/fleetwatch/internal/protocol"
)

// Config holds channel configuration
type Config struct {
	URL   string // WebSocket URL (wss://api.example.com/ws)
	Token string // Bearer token sent with the handshake

	PingInterval     time.Duration // Interval for ping frames
	WriteTimeout     time.Duration // Timeout for write operations
	ReadTimeout      time.Duration // Timeout for read operations
	HandshakeTimeout time.Duration

	Backoff backoff.Config
	Clock   clock.Clock // times reconnect waits; nil means real time
}

// DefaultConfig returns default channel configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Backoff:          backoff.DefaultConfig(),
	}
}

// Handler receives the data of one event. It runs on the read goroutine.
type Handler func(data json.RawMessage)

// Channel is the process-wide push connection.
type Channel struct {
	config Config
	clock  clock.Clock
	dialer *websocket.Dialer
	logger *slog.Logger
	stats  *metrics.Metrics

	sendChan chan []byte

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	handlers      map[string]map[string]Handler
	anyHandlers   map[string]func(protocol.Envelope)
	stateHandlers map[string]func(bool)
}

// New creates a channel. Nothing is dialed until EnsureConnected.
func New(config Config, logger *slog.Logger, m *metrics.Metrics) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Channel{
		config: config,
		clock:  clk,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger:        logger.With("component", "socket"),
		stats:         m,
		sendChan:      make(chan []byte, 100),
		handlers:      make(map[string]map[string]Handler),
		anyHandlers:   make(map[string]func(protocol.Envelope)),
		stateHandlers: make(map[string]func(bool)),
	}
}

// EnsureConnected starts the connection loop unless it is already running.
// The connection lives until Close is called or ctx is done.
func (c *Channel) EnsureConnected(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.connectionLoop(ctx)
}

// Close disconnects and stops reconnecting. Handlers stay registered.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.started = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// IsConnected returns whether the WebSocket is connected
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscription removes a handler.
type Subscription struct {
	channel *Channel
	event   string
	id      string
}

// Off removes the handler. It is safe to call more than once.
func (s Subscription) Off() {
	if s.channel == nil {
		return
	}
	c := s.channel
	c.mu.Lock()
	defer c.mu.Unlock()

	switch s.event {
	case anyEvent:
		delete(c.anyHandlers, s.id)
	case stateEvent:
		delete(c.stateHandlers, s.id)
	default:
		if hs, ok := c.handlers[s.event]; ok {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(c.handlers, s.event)
			}
		}
	}
}

// Internal names; real event names never start with NUL.
const (
	anyEvent   = "\x00any"
	stateEvent = "\x00state"
)

// On registers h for event.
func (c *Channel) On(event string, h Handler) Subscription {
	id := uuid.New().String()
	c.mu.Lock()
	hs, ok := c.handlers[event]
	if !ok {
		hs = make(map[string]Handler)
		c.handlers[event] = hs
	}
	hs[id] = h
	c.mu.Unlock()
	return Subscription{channel: c, event: event, id: id}
}

// OnAny registers fn for every inbound event, for debug logging.
func (c *Channel) OnAny(fn func(protocol.Envelope)) Subscription {
	id := uuid.New().String()
	c.mu.Lock()
	c.anyHandlers[id] = fn
	c.mu.Unlock()
	return Subscription{channel: c, event: anyEvent, id: id}
}

// OnStateChange registers fn for connect and disconnect notifications.
func (c *Channel) OnStateChange(fn func(connected bool)) Subscription {
	id := uuid.New().String()
	c.mu.Lock()
	c.stateHandlers[id] = fn
	c.mu.Unlock()
	return Subscription{channel: c, event: stateEvent, id: id}
}

// HandlerCount returns the number of handlers registered for event.
func (c *Channel) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Emit queues an outbound event.
func (c *Channel) Emit(event string, data any) error {
	env := protocol.Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
		env.Data = raw
	}
	frame, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	select {
	case c.sendChan <- frame:
		return nil
	default:
		return fmt.Errorf("send queue full, dropping %s", event)
	}
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *Channel) connectionLoop(ctx context.Context) {
	defer c.wg.Done()
	b := backoff.New(c.config.Backoff)

	for {
		if ctx.Err() != nil {
			c.disconnect()
			return
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Warn("failed to connect", "error", err)
			if !c.wait(ctx, b) {
				return
			}
			continue
		}
		b.Reset()

		c.runMessageLoops(ctx)
		c.disconnect()
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("disconnected, reconnecting")
		if !c.wait(ctx, b) {
			return
		}
	}
}

func (c *Channel) wait(ctx context.Context, b *backoff.Backoff) bool {
	c.stats.Reconnect(metrics.ChannelSocket)
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(b.Next()):
		return true
	}
}

func (c *Channel) connect(ctx context.Context) error {
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.config.URL)
	c.notifyState(true)
	return nil
}

func (c *Channel) disconnect() {
	c.mu.Lock()
	wasConnected := c.connected
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.notifyState(false)
	}
}

func (c *Channel) notifyState(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// runMessageLoops runs the read and write loops until either exits.
func (c *Channel) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
	}()

	wg.Wait()
}

func (c *Channel) readLoop(done chan struct{}) {
	defer close(done)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.stats.PushDropped(metrics.ChannelSocket, "parse")
			c.logger.Warn("failed to parse message", "error", err)
			continue
		}
		c.handleMessage(env)
	}
}

// writeLoop sends queued frames and pings. Closing the connection on exit
// unblocks the read loop.
func (c *Channel) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) handleMessage(env protocol.Envelope) {
	if env.Event == protocol.EventPing {
		if err := c.Emit(protocol.EventPong, nil); err != nil {
			c.logger.Warn("pong not sent", "error", err)
		}
		return
	}

	c.mu.Lock()
	var hs []Handler
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	anys := make([]func(protocol.Envelope), 0, len(c.anyHandlers))
	for _, fn := range c.anyHandlers {
		anys = append(anys, fn)
	}
	c.mu.Unlock()

	for _, fn := range anys {
		fn(env)
	}
	if len(hs) == 0 {
		c.stats.PushDropped(metrics.ChannelSocket, "unhandled")
		return
	}
	c.stats.PushEvent(metrics.ChannelSocket, eventKind(env.Event))
	for _, h := range hs {
		h(env.Data)
	}
}

// eventKind collapses per-device event names into a bounded label set.
func eventKind(event string) string {
	switch {
	case strings.HasSuffix(event, ":alert:ack"):
		return "ack"
	case strings.HasSuffix(event, ":alert"):
		return "alert"
	case strings.HasPrefix(event, "device:"):
		return "telemetry"
	default:
		return "other"
	}
}
