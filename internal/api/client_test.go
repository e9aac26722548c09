package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/"
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestRequestParsesJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/fleet", r.URL.Path)
		assert.Empty(t, r.Header.Get("Content-Type"), "no body, no content type")
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		fmt.Fprint(w, `[{"id":"a","name":"Roof","serial":"S1","status":"OK","solarW":1200,"loadW":300,"gridW":-900,"soc":80,"tempC":31,"unackedAlerts":2,"lastSeen":"2026-05-04T10:30:00Z"}]`)
	})

	fleet, err := c.Fleet(context.Background())
	require.NoError(t, err)
	require.Len(t, fleet, 1)
	assert.Equal(t, "a", fleet[0].ID)
	assert.Equal(t, 2, fleet[0].UnackedAlerts)
	assert.Equal(t, -900.0, fleet[0].GridW)
}

func TestRequestSendsJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"note":"hi"}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	})

	data, err := c.Request(context.Background(), http.MethodPost, "/x", map[string]string{"note": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestRequestErrorMessages(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", 400, `{"message":"bad range"}`, "bad range"},
		{"message list", 400, `{"message":["from must be ISO","to must be ISO"]}`, "from must be ISO, to must be ISO"},
		{"error field", 401, `{"error":"Unauthorized"}`, "Unauthorized"},
		{"plain text", 502, `Bad Gateway`, "Request failed: 502"},
		{"empty", 500, ``, "Request failed: 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := c.Request(context.Background(), http.MethodGet, "/x", nil)
			require.Error(t, err)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.want, apiErr.Message)
			assert.Equal(t, tt.status, StatusCode(err))
			assert.Equal(t, KindApplication, Classify(err))
		})
	}
}

func TestReadingsNonArrayIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-05-04T00:00:00.000Z", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-05-04T06:00:00.000Z", r.URL.Query().Get("to"))
		fmt.Fprint(w, `{"items":[]}`)
	})

	from := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	readings, err := c.Readings(context.Background(), "a", from, from.Add(6*time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, readings)
	assert.Empty(t, readings)
}

func TestConcurrentGetsShareOneRoundTrip(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, `{"unackedAlerts":1}`)
	})

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.Request(context.Background(), http.MethodGet, "/devices/a/summary", nil)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, r := range results {
		assert.JSONEq(t, `{"unackedAlerts":1}`, string(r))
	}
}

func TestBearerTokenAndCookies(t *testing.T) {
	var sawCookie atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if _, err := r.Cookie("session"); err == nil {
			sawCookie.Store(true)
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "secret", Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = c.Request(context.Background(), http.MethodPost, "/one", nil)
	require.NoError(t, err)
	_, err = c.Request(context.Background(), http.MethodPost, "/two", nil)
	require.NoError(t, err)
	assert.True(t, sawCookie.Load())
}

func TestNetworkErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, Timeout: time.Second}, nil)
	require.NoError(t, err)

	_, err = c.Request(context.Background(), http.MethodGet, "/devices/fleet", nil)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, KindNetwork, Classify(err))

	assert.True(t, IsNetworkError(errors.New("TypeError: Failed to fetch")))
	assert.False(t, IsNetworkError(&Error{Status: 503, Message: "connection refused upstream"}))
	assert.False(t, IsNetworkError(context.Canceled))
	assert.Equal(t, KindNone, Classify(nil))
}
