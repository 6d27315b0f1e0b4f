// Package gateway is the client for the external agent gateway: a single
// "invoke tool" RPC over a websocket JSON-RPC connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// SessionsTool is the gateway tool that posts a message into an agent
// session. Used for notification delivery and escalation text.
const SessionsTool = "sessions_send"

// SessionKey builds the dedicated sub-session key for automated traffic so
// core notifications never pollute an agent's primary conversation.
// Shape: agent:<id>:mc[:<taskId>].
func SessionKey(agentID, taskID string) string {
	key := "agent:" + agentID + ":mc"
	if taskID != "" {
		key += ":" + taskID
	}
	return key
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

type invokeParams struct {
	Tool       string                 `json:"tool"`
	Args       map[string]interface{} `json:"args"`
	SessionKey string                 `json:"session_key,omitempty"`
}

// Config holds gateway client settings.
type Config struct {
	URL    string
	Token  string
	Logger *slog.Logger
	// CallTimeout bounds a single Invoke unless the caller's context is
	// shorter.
	CallTimeout time.Duration
	// DialTimeout bounds connection establishment, including backoff.
	DialTimeout time.Duration
}

// Client is a concurrency-safe gateway client with a single multiplexed
// websocket connection, lazily dialed and redialed on failure.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan *rpcResponse
}

// New creates a Client. No connection is made until the first Invoke.
func New(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan *rpcResponse),
	}
}

// Invoke calls the named tool with args under the given session key,
// bounded by timeout (falling back to the configured call timeout when
// zero). Errors are retryable from the caller's perspective: the next
// dispatch cycle or sweep simply tries again.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]interface{}, sessionKey string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools.invoke",
		Params: invokeParams{
			Tool:       tool,
			Args:       args,
			SessionKey: sessionKey,
		},
	}

	respCh := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.dropConn(conn)
		return nil, fmt.Errorf("gateway write %s: %w", tool, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("gateway invoke %s: %w", tool, ctx.Err())
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("gateway invoke %s: connection lost", tool)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway invoke %s: %w", tool, resp.Error)
		}
		return resp.Result, nil
	}
}

// NotifyAgent posts text into an agent's dedicated notification sub-session.
func (c *Client) NotifyAgent(ctx context.Context, agentID, taskID, text string, timeout time.Duration) error {
	_, err := c.Invoke(ctx, SessionsTool, map[string]interface{}{
		"agent_id": agentID,
		"content":  text,
	}, SessionKey(agentID, taskID), timeout)
	return err
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	var conn *websocket.Conn
	op := func() error {
		var header http.Header
		if c.cfg.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
		}
		var err error
		conn, _, err = websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), dialCtx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.conn != nil {
		// Raced with another dialer; keep theirs.
		existing := c.conn
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("gateway connected", "url", c.cfg.URL)
	return conn, nil
}

// readLoop dispatches responses to waiting invokers until the connection
// fails, then drops it so the next Invoke redials.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := wsjson.Read(context.Background(), conn, &resp); err != nil {
			c.logger.Warn("gateway connection lost", "error", err)
			c.dropConn(conn)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}
}

// dropConn closes conn and fails all pending invokes if it is still the
// active connection.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusInternalError, "connection reset")
	for _, ch := range pending {
		close(ch)
	}
}
