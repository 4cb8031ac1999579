// Package mcp implements the JSON-RPC client side of the remote MCP
// service: session setup, tool calls, and the extraction helpers that pull
// request ids, statuses and artifact URLs out of loosely structured tool
// results.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the MCP protocol revision sent in initialize.
const ProtocolVersion = "2024-11-05"

const sessionHeader = "Mcp-Session-Id"

// ErrToolError is wrapped around JSON-RPC error responses from tools/call.
var ErrToolError = errors.New("mcp: tool call failed")

// Client is a session-scoped MCP client for one endpoint. The session is
// initialised lazily on the first call and reused afterwards. Safe for use
// from a single job worker; not shared across jobs.
type Client struct {
	endpoint string
	headers  map[string]string
	http     *http.Client
	log      *slog.Logger

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// NewClient creates a client for endpoint with optional extra HTTP headers.
func NewClient(endpoint string, headers map[string]string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		headers:  headers,
		http:     &http.Client{Timeout: 120 * time.Second},
		log:      logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// CallTool invokes tools/call for name with the given arguments and returns
// the decoded result object.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	raw, err := c.rpc(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return result, nil
}

// ensureSession performs the initialize handshake once per client. A
// server-assigned Mcp-Session-Id replaces the locally generated one.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	c.sessionID = uuid.NewString()

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcp-queue",
			"version": "1.0",
		},
	}
	if _, err := c.rpcLocked(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	c.initialized = true
	c.log.Debug("mcp: session initialized", "endpoint", c.endpoint, "session_id", c.sessionID)
	return nil
}

func (c *Client) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcLocked(ctx, method, params)
}

func (c *Client) rpcLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}
	defer resp.Body.Close()

	if assigned := resp.Header.Get(sessionHeader); assigned != "" {
		c.sessionID = assigned
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s call: HTTP %d: %s", method, resp.StatusCode, truncate(data, 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrToolError, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
