package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// errorsAs is a seam for IsTimeout; kept separate so rpc.go stays free
// of the errors import.
func errorsAs(err error, target any) bool { return errors.As(err, target) }

// Client is a JSON-RPC 2.0 client over HTTP POST. Each call posts one
// request to the server's /mcp endpoint and decodes the response body.
// A single Client owns a monotonic id counter and may be shared across
// goroutines.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient creates a client for a base URL such as
// "http://127.0.0.1:50000/mcp".
func NewClient(url string) *Client {
	return &Client{url: url, http: &http.Client{}}
}

// URL returns the endpoint this client posts to.
func (c *Client) URL() string { return c.url }

// Request performs one call with a per-call timeout. On expiry the
// pending HTTP exchange is abandoned and a *TimeoutError is returned;
// remote failures surface as *RPCError; everything else is a transport
// error.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Method: method, Elapsed: time.Since(start).Round(time.Millisecond).String()}
		}
		return nil, fmt.Errorf("post %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("post %s: unexpected status %d", method, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Method: method, Elapsed: time.Since(start).Round(time.Millisecond).String()}
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp Response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

// Notify sends a notification (no id, no reply expected).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", method, err)
	}
	resp.Body.Close()
	return nil
}
