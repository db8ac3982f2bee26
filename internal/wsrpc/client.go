// Package wsrpc is the websocket JSON-RPC connector embedded by remote
// UI clients. It connects lazily, correlates requests with responses,
// and reconnects with exponential backoff while the caller wants the
// link up.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

var (
	// ErrStopped is returned for requests made after Stop.
	ErrStopped = errors.New("connector stopped")
	// ErrDisconnected rejects requests that were in flight when the
	// connection dropped.
	ErrDisconnected = errors.New("connection lost")
	// ErrRequestTimeout is returned when a request outlives its window.
	ErrRequestTimeout = errors.New("request timed out")
)

const (
	defaultRequestTimeout   = 2 * time.Minute
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config describes the endpoint and the connector's timing knobs.
// TokenInHeader and TokenInQuery are independent capabilities; when the
// transport cannot carry headers the caller enables the query form
// explicitly, nothing falls back silently.
type Config struct {
	URL              string
	Token            string
	TokenInHeader    bool
	TokenInQuery     bool
	RequestTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcInbound struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

// ResponseError is a structured error returned by the bridge.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type callOutcome struct {
	msg rpcInbound
	err error
}

type pendingCall struct {
	ch chan callOutcome
}

// Client is the reconnecting connector. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu             sync.Mutex
	started        bool
	conn           *websocket.Conn
	connecting     chan struct{}
	connectErr     error
	reconnectTimer *time.Timer
	retry          *backoff.ExponentialBackOff
	nextID         int64
	pending        map[int64]*pendingCall
	notifFns       map[int64]func(method string, params json.RawMessage)
	stateFns       map[int64]func(state ConnState)
	nextHandle     int64

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.ReconnectInitial
	retry.MaxInterval = cfg.ReconnectMax
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "wsrpc").Logger(),
		retry:    retry,
		pending:  make(map[int64]*pendingCall),
		notifFns: make(map[int64]func(string, json.RawMessage)),
		stateFns: make(map[int64]func(ConnState)),
	}
}

// Start arms automatic reconnection. It does not dial; the first
// Request does.
func (c *Client) Start() {
	c.mu.Lock()
	c.started = true
	c.retry.Reset()
	c.mu.Unlock()
}

// Stop disarms reconnection, cancels any scheduled reconnect attempt,
// closes the connection, and rejects in-flight requests.
func (c *Client) Stop() {
	c.mu.Lock()
	c.started = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(ErrStopped)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		c.publishState(StateDisconnected)
	}
}

// Request connects if needed, sends a correlated request, and waits for
// the response or the per-request timeout.
func (c *Client) Request(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrStopped
	}
	c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{ch: make(chan callOutcome, 1)}
	c.pending[id] = call
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case outcome := <-call.ch:
		if outcome.err != nil {
			return fmt.Errorf("%s: %w", method, outcome.err)
		}
		if outcome.msg.Error != nil {
			return outcome.msg.Error
		}
		if out != nil && len(outcome.msg.Result) > 0 {
			if err := json.Unmarshal(outcome.msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// OnNotification registers a push-event listener; the returned function
// removes exactly that listener.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) func() {
	c.mu.Lock()
	c.nextHandle++
	id := c.nextHandle
	c.notifFns[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.notifFns, id)
		c.mu.Unlock()
	}
}

// OnConnectionState registers a connection-state listener.
func (c *Client) OnConnectionState(fn func(state ConnState)) func() {
	c.mu.Lock()
	c.nextHandle++
	id := c.nextHandle
	c.stateFns[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateFns, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a live connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ensureConnected coalesces concurrent dial attempts: the first caller
// dials, everyone else waits on the same attempt.
func (c *Client) ensureConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		if !c.started {
			c.mu.Unlock()
			return ErrStopped
		}
		if c.connecting != nil {
			wait := c.connecting
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.mu.Lock()
			err := c.connectErr
			connected := c.conn != nil
			c.mu.Unlock()
			if connected {
				return nil
			}
			if err != nil {
				return err
			}
			continue
		}
		done := make(chan struct{})
		c.connecting = done
		c.mu.Unlock()

		err := c.dial(ctx)

		c.mu.Lock()
		c.connectErr = err
		c.connecting = nil
		close(done)
		c.mu.Unlock()
		return err
	}
}

func (c *Client) dial(ctx context.Context) error {
	c.publishState(StateConnecting)

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	header := http.Header{}
	if c.cfg.Token != "" && c.cfg.TokenInHeader {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Token != "" && c.cfg.TokenInQuery {
		q := endpoint.Query()
		q.Set("token", c.cfg.Token)
		endpoint.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.publishState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		_ = conn.Close()
		c.publishState(StateDisconnected)
		return ErrStopped
	}
	c.conn = conn
	c.retry.Reset()
	c.mu.Unlock()

	c.publishState(StateConnected)
	c.log.Debug().Str("url", c.cfg.URL).Msg("connected")
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg rpcInbound
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		switch {
		case msg.ID != nil:
			c.mu.Lock()
			call, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				call.ch <- callOutcome{msg: msg}
			}
		case msg.Method != "":
			c.dispatchNotification(msg.Method, msg.Params)
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// a newer connection superseded this one
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked(ErrDisconnected)
	started := c.started
	c.mu.Unlock()

	_ = conn.Close()
	c.publishState(StateDisconnected)
	if !started {
		return
	}
	c.log.Warn().Err(err).Msg("connection lost")
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if !c.started || c.conn != nil || c.connecting != nil || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	delay := c.retry.NextBackOff()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	c.log.Debug().Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if !c.started || c.conn != nil || c.connecting != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.ensureConnected(context.Background()); err != nil {
		c.log.Debug().Err(err).Msg("reconnect attempt failed")
		c.scheduleReconnect()
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	fns := make([]func(string, json.RawMessage), 0, len(c.notifFns))
	for _, fn := range c.notifFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		c.invoke(func() { fn(method, params) })
	}
}

func (c *Client) publishState(state ConnState) {
	c.mu.Lock()
	fns := make([]func(ConnState), 0, len(c.stateFns))
	for _, fn := range c.stateFns {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		c.invoke(func() { fn(state) })
	}
}

// invoke shields the connector from listener panics.
func (c *Client) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(err error) {
	for id, call := range c.pending {
		delete(c.pending, id)
		call.ch <- callOutcome{err: err}
	}
}
