// Package diagnostic calls the external symptom analysis service.
package diagnostic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxResponseBytes caps how much of an upstream body is read.
const MaxResponseBytes = 1 << 20

const (
	rpcVersion = "2.0"
	rpcMethod  = "tools/call"
	rpcTool    = "symptoms"
)

// Request is one analysis call. Prompt carries PHI and is never logged.
type Request struct {
	Prompt     string
	CallerHint string
}

// Response is a successful (2xx) upstream reply, body unparsed.
type Response struct {
	Status int
	Body   []byte
}

// StatusError is returned for a non-2xx upstream reply. Body holds at most
// the first kilobyte, for diagnostics by status only.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("diagnostic service returned status %d", e.Status)
}

// ErrTransport wraps network-level failures reaching the service.
var ErrTransport = errors.New("diagnostic service unreachable")

// Analyzer is implemented by Client and by test doubles.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Response, error)
}

// Observer receives the latency and result of every upstream call.
type Observer interface {
	ObserveUpstream(d time.Duration, err error)
}

type rpcParams struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Caller string `json:"caller,omitempty"`
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithObserver reports call latency to o.
func WithObserver(o Observer) Option {
	return func(cl *Client) { cl.observer = o }
}

// Client posts JSON-RPC tool calls to the analysis endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	observer   Observer
}

// NewClient creates a Client for url authenticated with apiKey. Deadlines
// come from the caller's context; the default HTTP client has a generous
// ceiling only as a backstop.
func NewClient(url, apiKey string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze performs exactly one POST to the service.
func (c *Client) Analyze(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.do(ctx, req)
	if c.observer != nil {
		c.observer.ObserveUpstream(time.Since(start), err)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: rpcVersion,
		Method:  rpcMethod,
		Params:  rpcParams{Name: rpcTool, Value: req.Prompt, Caller: req.CallerHint},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("encode diagnostic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build diagnostic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransport, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > 1024 {
			body = body[:1024]
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}
	return &Response{Status: resp.StatusCode, Body: body}, nil
}
