package wsrpc

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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32

	mu             sync.Mutex
	lastAuth       string
	lastQueryToken string
}

func newTestServer(t *testing.T, handler func(conn *websocket.Conn)) *testServer {
	upgrader := websocket.Upgrader{}
	s := &testServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.lastQueryToken = r.URL.Query().Get("token")
		s.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		handler(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *testServer) auth() (header, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth, s.lastQueryToken
}

func echoHandler(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  map[string]any{"method": req["method"]},
		})
	}
}

func newTestClient(url string, mutate func(*Config)) *Client {
	cfg := Config{
		URL:              url,
		RequestTimeout:   2 * time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestRequestRoundTrip(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), nil)
	c.Start()
	defer c.Stop()

	var out struct {
		Method string `json:"method"`
	}
	require.NoError(t, c.Request(context.Background(), "thread/list", nil, &out))
	assert.Equal(t, "thread/list", out.Method)
	assert.True(t, c.Connected())
}

func TestRequestWhenStopped(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), nil)

	err := c.Request(context.Background(), "thread/list", nil, nil)
	require.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, s.upgrades.Load())
}

func TestServerError(t *testing.T) {
	s := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"error": map[string]any{
				"code":    409,
				"message": "thread busy",
				"data":    map[string]any{"threadId": "th-1"},
			},
		})
	})
	c := newTestClient(s.wsURL(), nil)
	c.Start()
	defer c.Stop()

	err := c.Request(context.Background(), "thread/sendMessage", map[string]any{"threadId": "th-1"}, nil)
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, 409, respErr.Code)

	var data struct {
		ThreadID string `json:"threadId"`
	}
	require.NoError(t, json.Unmarshal(respErr.Data, &data))
	assert.Equal(t, "th-1", data.ThreadID)
}

func TestBearerTokenHeader(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), func(cfg *Config) {
		cfg.Token = "secret"
		cfg.TokenInHeader = true
	})
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Request(context.Background(), "initialize", nil, nil))
	header, query := s.auth()
	assert.Equal(t, "Bearer secret", header)
	assert.Empty(t, query)
}

func TestBearerTokenQuery(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), func(cfg *Config) {
		cfg.Token = "secret"
		cfg.TokenInQuery = true
	})
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Request(context.Background(), "initialize", nil, nil))
	header, query := s.auth()
	assert.Empty(t, header)
	assert.Equal(t, "secret", query)
}

func TestTokenNotSentWithoutCapability(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), func(cfg *Config) {
		cfg.Token = "secret"
	})
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Request(context.Background(), "initialize", nil, nil))
	header, query := s.auth()
	assert.Empty(t, header)
	assert.Empty(t, query)
}

func TestConcurrentRequestsShareOneDial(t *testing.T) {
	s := newTestServer(t, echoHandler)
	c := newTestClient(s.wsURL(), nil)
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Request(context.Background(), "thread/list", nil, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), s.upgrades.Load())
}

func TestNotificationDispatch(t *testing.T) {
	s := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "thread.message.delta",
			"params":  map[string]any{"threadId": "th-1", "delta": "x"},
			"eventId": "evt-1",
		})
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{}})
		// keep the connection open until the client stops
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := newTestClient(s.wsURL(), nil)
	c.Start()
	defer c.Stop()

	received := make(chan string, 1)
	unsub := c.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})
	defer unsub()

	require.NoError(t, c.Request(context.Background(), "initialize", nil, nil))
	select {
	case method := <-received:
		assert.Equal(t, "thread.message.delta", method)
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	var firstConn atomic.Bool
	s := newTestServer(t, func(conn *websocket.Conn) {
		if firstConn.CompareAndSwap(false, true) {
			// swallow the request and drop the connection
			_, _, _ = conn.ReadMessage()
			_ = conn.Close()
			return
		}
		echoHandler(conn)
	})
	c := newTestClient(s.wsURL(), nil)
	c.Start()
	defer c.Stop()

	states := make(chan ConnState, 16)
	unsub := c.OnConnectionState(func(state ConnState) { states <- state })
	defer unsub()

	err := c.Request(context.Background(), "thread/list", nil, nil)
	require.ErrorIs(t, err, ErrDisconnected)

	require.Eventually(t, func() bool {
		return s.upgrades.Load() >= 2 && c.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	// a request on the restored connection succeeds
	require.NoError(t, c.Request(context.Background(), "thread/list", nil, nil))

	seen := map[ConnState]bool{}
	for len(states) > 0 {
		seen[<-states] = true
	}
	assert.True(t, seen[StateConnecting])
	assert.True(t, seen[StateConnected])
	assert.True(t, seen[StateDisconnected])
}

func TestStopCancelsScheduledReconnect(t *testing.T) {
	s := newTestServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_ = conn.Close()
	})
	c := newTestClient(s.wsURL(), func(cfg *Config) {
		cfg.ReconnectInitial = 100 * time.Millisecond
		cfg.ReconnectMax = 100 * time.Millisecond
	})
	c.Start()

	_ = c.Request(context.Background(), "thread/list", nil, nil)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.reconnectTimer != nil
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), s.upgrades.Load())
}

func TestBackoffScheduleMonotonicAndResets(t *testing.T) {
	c := newTestClient("ws://unused", func(cfg *Config) {
		cfg.ReconnectInitial = 10 * time.Millisecond
		cfg.ReconnectMax = 40 * time.Millisecond
	})

	got := []time.Duration{}
	for i := 0; i < 5; i++ {
		got = append(got, c.retry.NextBackOff())
	}
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1], "backoff must not shrink before reset")
	}
	assert.Equal(t, 10*time.Millisecond, got[0])
	assert.Equal(t, 40*time.Millisecond, got[len(got)-1])

	c.retry.Reset()
	assert.Equal(t, 10*time.Millisecond, c.retry.NextBackOff())
}
