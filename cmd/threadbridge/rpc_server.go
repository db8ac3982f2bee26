package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cinience/threadbridge/internal/bridge"
	"github.com/cinience/threadbridge/internal/hub"
)

const clientSendBuffer = 256

// clientConn is one websocket client. Outbound traffic (responses and
// push events alike) goes through the send channel so a single writer
// goroutine owns the connection. send is never closed; done marks the
// client dead so late senders cannot panic.
type clientConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *clientConn) close() {
	c.once.Do(func() { close(c.done) })
}

// TrySend implements hub.Sink. It never blocks; a full buffer or a dead
// client means the event is dropped.
func (c *clientConn) TrySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

type serverState struct {
	mu      sync.RWMutex
	clients map[string]*clientConn
}

type rpcServer struct {
	addr            string
	token           string
	allowQueryToken bool
	orch            *bridge.Orchestrator
	events          *hub.Hub
	state           *serverState
	httpSrv         *http.Server
	upgrader        websocket.Upgrader
	log             zerolog.Logger
}

func newRPCServer(addr, token string, allowQueryToken bool, orch *bridge.Orchestrator, events *hub.Hub, log zerolog.Logger) *rpcServer {
	s := &rpcServer{
		addr:            addr,
		token:           token,
		allowQueryToken: allowQueryToken,
		orch:            orch,
		events:          events,
		state:           &serverState{clients: make(map[string]*clientConn)},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "rpc").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *rpcServer) start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("rpc server listening")
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	return nil
}

func (s *rpcServer) stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// authorize checks the bearer token at the upgrade boundary. The header
// form is always accepted; the query form only when explicitly enabled
// for clients that cannot set headers.
func (s *rpcServer) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.token {
		return true
	}
	if s.allowQueryToken && r.URL.Query().Get("token") == s.token {
		return true
	}
	return false
}

func (s *rpcServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &clientConn{
		id:   "client-" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		done: make(chan struct{}),
	}
	s.state.mu.Lock()
	s.state.clients[client.id] = client
	s.state.mu.Unlock()
	s.events.Attach(client.id, client)
	s.log.Info().Str("client", client.id).Msg("client connected")

	go s.writeLoop(client)
	s.readLoop(client)
}

func (s *rpcServer) writeLoop(c *clientConn) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *rpcServer) readLoop(c *clientConn) {
	defer func() {
		s.events.Detach(c.id)
		s.state.mu.Lock()
		delete(s.state.clients, c.id)
		s.state.mu.Unlock()
		c.close()
		s.log.Info().Str("client", c.id).Msg("client disconnected")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.respond(c, nil, nil, rpcErr(codeParse, "parse error", nil))
			continue
		}
		if req.Method == "" {
			s.respond(c, req.ID, nil, rpcErr(codeInvalidRequest, "method is required", nil))
			continue
		}
		// each request runs independently; a long turn must not block
		// other requests from the same client
		go s.dispatch(c, req)
	}
}

func (s *rpcServer) dispatch(c *clientConn, req rpcRequest) {
	result, rErr := s.handleMethod(c.id, req.Method, req.Params)
	if req.ID == nil {
		return
	}
	s.respond(c, req.ID, result, rErr)
}

func (s *rpcServer) respond(c *clientConn, id interface{}, result interface{}, rErr *rpcError) {
	data, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rErr})
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response")
		return
	}
	if !c.TrySend(data) {
		s.log.Warn().Str("client", c.id).Msg("response dropped, send buffer full")
	}
}

func (s *rpcServer) handleMethod(clientID, method string, params map[string]any) (interface{}, *rpcError) {
	ctx := context.Background()
	switch method {
	case "initialize":
		return map[string]any{
			"clientId": clientID,
			"server":   "threadbridge",
		}, nil

	case "thread/list":
		threads, err := s.orch.ListThreads(ctx)
		if err != nil {
			return nil, rpcErr(codeInternal, err.Error(), nil)
		}
		return map[string]any{"threads": threads}, nil

	case "thread/read":
		threadID := asString(params["threadId"])
		if threadID == "" {
			return nil, rpcErr(codeInvalidParams, "threadId is required", nil)
		}
		th, err := s.orch.GetThread(ctx, threadID)
		if err != nil {
			return nil, rpcErr(codeInternal, err.Error(), nil)
		}
		return map[string]any{"thread": th}, nil

	case "thread/start":
		th, err := s.orch.CreateThread(ctx, bridge.CreateOptions{
			Cwd:   asString(params["cwd"]),
			Title: asString(params["title"]),
		})
		if err != nil {
			return nil, rpcErr(codeInternal, err.Error(), nil)
		}
		return map[string]any{"threadId": th.ID, "thread": th}, nil

	case "thread/sendMessage":
		threadID := asString(params["threadId"])
		content := asString(params["content"])
		if content == "" {
			content = asString(params["text"])
		}
		if threadID == "" || content == "" {
			return nil, rpcErr(codeInvalidParams, "threadId and content are required", nil)
		}
		th, err := s.orch.SendMessage(ctx, threadID, content)
		if err != nil {
			if bridge.IsBusy(err) {
				return nil, rpcErr(codeBusy, "thread busy", map[string]any{"threadId": threadID})
			}
			return nil, rpcErr(codeInternal, err.Error(), nil)
		}
		return map[string]any{"thread": th}, nil

	default:
		return nil, rpcErr(codeMethodNotFound, "unknown method: "+method, nil)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
