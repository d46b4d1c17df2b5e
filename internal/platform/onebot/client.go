package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Caller performs OneBot API actions. Implemented over plain HTTP, a
// forward WebSocket (we dial the OneBot implementation), or the reverse
// WebSocket server in server.go.
type Caller interface {
	Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error)
}

// apiResponse is the uniform OneBot action response envelope.
type apiResponse struct {
	Status  string          `json:"status"` // "ok", "async", "failed"
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo,omitempty"`
}

func (r *apiResponse) err(action string) error {
	if r.Status == "failed" {
		return fmt.Errorf("onebot %s: retcode=%d", action, r.Retcode)
	}
	return nil
}

// --- HTTP flavor ---

// HTTPCaller calls the OneBot HTTP API: POST {base}/{action}.
type HTTPCaller struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewHTTPCaller creates an HTTP API caller. accessToken may be empty.
func NewHTTPCaller(baseURL, accessToken string) *HTTPCaller {
	return &HTTPCaller{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPCaller) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onebot http %s: %w", action, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("onebot decode %s: %w", action, err)
	}
	if err := result.err(action); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// --- Forward WebSocket flavor ---

// EventHandler receives raw event payloads pushed by the OneBot side.
type EventHandler func(payload []byte)

// WSCaller dials the OneBot implementation's WebSocket endpoint and
// multiplexes API calls (echo-correlated) with pushed events on one
// connection.
type WSCaller struct {
	url         string
	accessToken string
	handler     EventHandler
	callTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan apiResponse
}

// NewWSCaller creates a forward-WS caller. handler may be nil when the
// connection is used for API calls only.
func NewWSCaller(url, accessToken string, handler EventHandler) *WSCaller {
	return &WSCaller{
		url:         url,
		accessToken: accessToken,
		handler:     handler,
		callTimeout: 30 * time.Second,
		pending:     make(map[string]chan apiResponse),
	}
}

// Start dials and runs the read loop until ctx is cancelled. Reconnects
// with a fixed backoff on connection loss.
func (c *WSCaller) Start(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("onebot ws connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *WSCaller) runOnce(ctx context.Context) error {
	headers := http.Header{}
	if c.accessToken != "" {
		headers.Set("Authorization", "Bearer "+c.accessToken)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("onebot ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	slog.Info("onebot ws connected", "url", c.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch routes one frame: echo-bearing frames complete pending calls,
// post_type-bearing frames are events.
func (c *WSCaller) dispatch(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		slog.Debug("onebot ws: unreadable frame", "error", err)
		return
	}

	if probe.Echo != "" {
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[probe.Echo]
		delete(c.pending, probe.Echo)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	if probe.PostType != "" && c.handler != nil {
		c.handler(data)
	}
}

func (c *WSCaller) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	echo := uuid.NewString()
	frame, err := json.Marshal(map[string]interface{}{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	ch := make(chan apiResponse, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot ws not connected")
	}
	c.pending[echo] = ch
	c.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot ws write: %w", err)
	}

	select {
	case resp := <-ch:
		if err := resp.err(action); err != nil {
			return nil, err
		}
		return resp.Data, nil
	case <-time.After(c.callTimeout):
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot %s: response timeout", action)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

var (
	_ Caller = (*HTTPCaller)(nil)
	_ Caller = (*WSCaller)(nil)
)
