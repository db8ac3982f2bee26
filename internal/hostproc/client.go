// Package hostproc owns the assistant host subprocess: it spawns the
// process, frames line-delimited JSON over its stdio, and exposes a
// correlated RPC client plus a notification stream. The process is not
// restarted on exit; a dead host fails every pending and future call.
package hostproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned once the host process has exited or the
	// client was closed.
	ErrClosed = errors.New("host process closed")
	// ErrTimeout is returned when a request outlives its wait window.
	ErrTimeout = errors.New("host request timed out")
)

const (
	defaultRequestTimeout = 10 * time.Minute
	maxLineBytes          = 10 * 1024 * 1024
)

// RPCError is an error reported by the host for a specific request.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("host error %d: %s", e.Code, e.Message)
	}
	return "host error: " + e.Message
}

type outboundRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inboundMessage covers both responses and notifications; the two are
// discriminated once here, at the transport boundary.
type inboundMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client correlates requests with responses over the host's stdio and
// dispatches notifications to registered listeners.
type Client struct {
	requestTimeout time.Duration
	log            zerolog.Logger

	writeMu sync.Mutex
	stdin   io.Writer

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult

	listenerMu   sync.Mutex
	listeners    map[int64]func(method string, params json.RawMessage)
	nextListener int64

	closeOnce sync.Once
	closed    chan struct{}
	closeMu   sync.Mutex
	closeErr  error

	terminate func()
}

// newClient wires a client over raw read/write streams and starts the
// read loop. terminate must be set here, before the loop runs: a stdout
// that closes immediately triggers closeWithErr right away and the hook
// has to be visible to it. StartProcess builds on this; tests drive it
// with pipes.
func newClient(stdin io.Writer, stdout io.Reader, requestTimeout time.Duration, log zerolog.Logger, terminate func()) *Client {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	c := &Client{
		requestTimeout: requestTimeout,
		log:            log,
		stdin:          stdin,
		pending:        make(map[int64]chan callResult),
		listeners:      make(map[int64]func(string, json.RawMessage)),
		closed:         make(chan struct{}),
		terminate:      terminate,
	}
	go c.readLoop(stdout)
	return c
}

// Call sends a request and blocks until the response, the per-request
// timeout, ctx cancellation, or process death. out, when non-nil, is
// filled from the result payload.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-c.closed:
		return c.closeError()
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(outboundRequest{ID: id, Method: method, Params: params})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("write %s request: %w", method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, c.closeError())
	}
}

// OnNotification registers a listener for host notifications and returns
// its unsubscribe function. A panicking listener is recovered and logged
// so it cannot take down the dispatch loop or its peers.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) func() {
	c.listenerMu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

// Close tears the client down and rejects every pending request.
func (c *Client) Close() error {
	c.closeWithErr(ErrClosed)
	return nil
}

// Done is closed once the host process is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Debug().Err(err).Int("len", len(line)).Msg("dropping malformed host line")
			continue
		}
		switch {
		case msg.Method != "" && msg.ID == nil:
			c.dispatchNotification(msg.Method, msg.Params)
		case msg.ID != nil && msg.Method == "":
			c.deliverResponse(*msg.ID, msg)
		default:
			// host-initiated requests are not part of this protocol
			c.log.Debug().Str("method", msg.Method).Msg("ignoring unexpected host message")
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.closeWithErr(fmt.Errorf("host stdout closed: %w: %w", err, ErrClosed))
}

func (c *Client) deliverResponse(id int64, msg inboundMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Int64("id", id).Msg("response for unknown request")
		return
	}
	if msg.Error != nil {
		ch <- callResult{err: msg.Error}
		return
	}
	ch <- callResult{result: msg.Result}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.listenerMu.Lock()
	fns := make([]func(string, json.RawMessage), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		c.invokeListener(fn, method, params)
	}
}

func (c *Client) invokeListener(fn func(string, json.RawMessage), method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("method", method).Msg("notification listener panicked")
		}
	}()
	fn(method, params)
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) closeWithErr(err error) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeErr = err
		c.closeMu.Unlock()
		close(c.closed)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan callResult)
		c.pendingMu.Unlock()
		for _, ch := range pending {
			ch <- callResult{err: err}
		}

		if c.terminate != nil {
			c.terminate()
		}
	})
}

func (c *Client) closeError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}
