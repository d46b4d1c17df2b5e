package onebot

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
)

// ReverseServer accepts the reverse-WebSocket connection initiated by the
// OneBot implementation and, like WSCaller, multiplexes API calls and
// pushed events over it. Only the most recent connection is active; a new
// connection replaces the old one.
type ReverseServer struct {
	addr        string
	path        string
	accessToken string
	handler     EventHandler
	callTimeout time.Duration

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan apiResponse
}

// NewReverseServer creates a reverse-WS endpoint at addr+path.
func NewReverseServer(addr, path, accessToken string, handler EventHandler) *ReverseServer {
	if path == "" {
		path = "/onebot/v11/ws"
	}
	return &ReverseServer{
		addr:        addr,
		path:        path,
		accessToken: accessToken,
		handler:     handler,
		callTimeout: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		pending: make(map[string]chan apiResponse),
	}
}

// Start runs the HTTP listener until ctx is cancelled. Non-blocking after
// setup.
func (s *ReverseServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		slog.Info("onebot reverse-ws server listening", "addr", s.addr, "path", s.path)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("onebot reverse-ws server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop closes the active connection and the listener.
func (s *ReverseServer) Stop() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	if s.server != nil {
		s.server.Close()
	}
}

func (s *ReverseServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.accessToken != "" {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if auth != s.accessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("onebot reverse-ws upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	slog.Info("onebot client connected", "remote", r.RemoteAddr,
		"self_id", r.Header.Get("X-Self-ID"))

	go s.readLoop(conn)
}

func (s *ReverseServer) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("onebot client disconnected", "error", err)
			return
		}
		s.dispatch(data)
	}
}

func (s *ReverseServer) dispatch(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Debug("onebot reverse-ws: unreadable frame", "error", err)
		return
	}

	if probe.Echo != "" {
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[probe.Echo]
		delete(s.pending, probe.Echo)
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	if probe.PostType != "" && s.handler != nil {
		s.handler(data)
	}
}

// Call sends an echo-correlated API frame over the active connection.
func (s *ReverseServer) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	echo := uuid.NewString()
	frame, err := json.Marshal(map[string]interface{}{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("no onebot client connected")
	}
	ch := make(chan apiResponse, 1)
	s.pending[echo] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, echo)
		s.mu.Unlock()
		return nil, fmt.Errorf("onebot reverse-ws write: %w", err)
	}

	select {
	case resp := <-ch:
		if err := resp.err(action); err != nil {
			return nil, err
		}
		return resp.Data, nil
	case <-time.After(s.callTimeout):
		s.mu.Lock()
		delete(s.pending, echo)
		s.mu.Unlock()
		return nil, fmt.Errorf("onebot %s: response timeout", action)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, echo)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

var _ Caller = (*ReverseServer)(nil)
