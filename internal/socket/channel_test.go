package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energyflow/fleetwatch/internal/backoff"
	"github.com/energyflow/fleetwatch/internal/clock"
	"github.com/energyflow/fleetwatch/internal/protocol"
)

// wsServer accepts connections and lets the test push frames to the latest
// one.
type wsServer struct {
	*httptest.Server
	accepted atomic.Int32
	received chan protocol.Envelope

	mu   sync.Mutex
	conn *websocket.Conn
	auth string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{received: make(chan protocol.Envelope, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()
		s.accepted.Add(1)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.DecodeEnvelope(data); err == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) send(t *testing.T, event string, data string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, err := protocol.Envelope{Event: event, Data: json.RawMessage(data)}.Encode()
	require.NoError(t, err)
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, frame))
}

func (s *wsServer) waitAccepted(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return s.accepted.Load() >= n }, 2*time.Second, 5*time.Millisecond)
}

func (s *wsServer) authHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *wsServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close()
}

func newChannel(t *testing.T, srv *wsServer) *Channel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = srv.wsURL()
	cfg.Token = "secret"
	cfg.Backoff = backoff.Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	c := New(cfg, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func TestChannelDispatchesByEvent(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, srv)

	alerts := make(chan json.RawMessage, 4)
	c.On(protocol.AlertEvent("a1"), func(d json.RawMessage) { alerts <- d })
	c.On(protocol.AlertEvent("b2"), func(json.RawMessage) { t.Error("wrong device") })

	var seen atomic.Int32
	c.OnAny(func(protocol.Envelope) { seen.Add(1) })

	c.EnsureConnected(context.Background())
	c.EnsureConnected(context.Background())
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	srv.waitAccepted(t, 1)
	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.Equal(t, "Bearer secret", srv.authHeader())

	srv.send(t, protocol.AlertEvent("a1"), `{"id":"x"}`)
	select {
	case d := <-alerts:
		assert.JSONEq(t, `{"id":"x"}`, string(d))
	case <-time.After(time.Second):
		t.Fatal("alert not delivered")
	}
	assert.Equal(t, int32(1), seen.Load())
}

func TestChannelAnswersPing(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, srv)
	c.EnsureConnected(context.Background())
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	srv.waitAccepted(t, 1)

	srv.send(t, protocol.EventPing, `null`)
	select {
	case env := <-srv.received:
		assert.Equal(t, protocol.EventPong, env.Event)
	case <-time.After(time.Second):
		t.Fatal("no pong")
	}
}

func TestSubscriptionOff(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, srv)

	var calls atomic.Int32
	sub := c.On("device:a1", func(json.RawMessage) { calls.Add(1) })
	assert.Equal(t, 1, c.HandlerCount("device:a1"))
	sub.Off()
	sub.Off()
	assert.Equal(t, 0, c.HandlerCount("device:a1"))

	got := make(chan struct{}, 1)
	c.On("device:a1:alert", func(json.RawMessage) { got <- struct{}{} })

	c.EnsureConnected(context.Background())
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	srv.waitAccepted(t, 1)
	srv.send(t, "device:a1", `{}`)
	srv.send(t, "device:a1:alert", `{}`)
	<-got
	assert.Equal(t, int32(0), calls.Load())
}

func TestChannelReconnects(t *testing.T) {
	srv := newWSServer(t)
	c := newChannel(t, srv)

	var mu sync.Mutex
	var states []bool
	c.OnStateChange(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})

	c.EnsureConnected(context.Background())
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
	srv.waitAccepted(t, 1)

	srv.drop()
	require.Eventually(t, func() bool { return srv.accepted.Load() == 2 && c.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	c.Close()
	assert.False(t, c.IsConnected())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true, false}, states)
}

func TestChannelReconnectWaitFollowsClock(t *testing.T) {
	srv := newWSServer(t)
	clk := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.URL = srv.wsURL()
	cfg.Backoff = backoff.Config{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}
	cfg.Clock = clk
	c := New(cfg, nil, nil)
	t.Cleanup(c.Close)

	c.EnsureConnected(context.Background())
	srv.waitAccepted(t, 1)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)

	srv.drop()
	clk.WaitForTimers(1)
	assert.Never(t, func() bool { return srv.accepted.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Second)
	srv.waitAccepted(t, 2)
	require.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

func TestGroupReplace(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	var g Group

	subscribe := func(ids ...string) func() []Subscription {
		return func() []Subscription {
			var subs []Subscription
			for _, id := range ids {
				subs = append(subs, c.On(protocol.TelemetryEvent(id), func(json.RawMessage) {}))
			}
			return subs
		}
	}

	assert.True(t, g.Replace("a|b", subscribe("a", "b")))
	assert.Equal(t, 2, g.Len())
	assert.False(t, g.Replace("a|b", subscribe("a", "b")), "same membership is a no-op")
	assert.Equal(t, 1, c.HandlerCount("device:a"))

	assert.True(t, g.Replace("a|c", subscribe("a", "c")))
	assert.Equal(t, 1, c.HandlerCount("device:a"), "old handler removed before the new one")
	assert.Equal(t, 0, c.HandlerCount("device:b"))
	assert.Equal(t, 1, c.HandlerCount("device:c"))

	g.Clear()
	assert.Equal(t, 0, c.HandlerCount("device:a"))
	assert.Equal(t, 0, c.HandlerCount("device:c"))
}

func TestEventKind(t *testing.T) {
	assert.Equal(t, "telemetry", eventKind("device:a1"))
	assert.Equal(t, "alert", eventKind("device:a1:alert"))
	assert.Equal(t, "ack", eventKind("device:a1:alert:ack"))
	assert.Equal(t, "other", eventKind("hello"))
}
