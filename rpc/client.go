// Package rpc issues one-shot JSON-RPC 2.0 calls to the sequencer endpoint.
//
// The transport performs no retries and no request coalescing; retry policy
// belongs to the caller. Calls are stateless and safe to issue concurrently.
package rpc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/OltaLabs/TradEZ/metrics"
	"github.com/OltaLabs/TradEZ/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is the JSON-RPC protocol version sent on every envelope.
const Version = "2.0"

// request is the outbound envelope.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// response is the inbound envelope; exactly one of Result/Error is set.
type response struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Result  jsoniter.RawMessage `json:"result"`
	Error   *responseError      `json:"error"`
}

type responseError struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

// Client is the JSON-RPC transport. The zero endpoint puts it in a permanent
// unconfigured state where every call fails fast with ErrNotConfigured.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	bufPool  bytebufferpool.Pool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a transport for the given endpoint. An empty endpoint is
// accepted and yields the unconfigured state.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   zap.NewNop(),
		metrics:  metrics.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// Call issues a single request and decodes the result into out (which may be
// nil to discard it). Each call carries a fresh correlation id.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if params == nil {
		params = []interface{}{}
	}

	c.metrics.RPCCalls.WithLabelValues(method).Inc()
	start := time.Now()
	err := c.call(ctx, method, params, out)
	c.metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.RPCErrors.WithLabelValues(method, errKind(err)).Inc()
		c.logger.Debug("rpc call failed",
			zap.String("method", method),
			zap.Error(err))
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := uuid.NewString()

	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}); err != nil {
		return &ProtocolError{Err: errors.Wrap(err, "encode request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf.B))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: errors.Wrap(err, "read response")}
	}

	var envelope response
	parseErr := json.Unmarshal(payload, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Prefer the server's own error object when the body carries one.
		if parseErr == nil && envelope.Error != nil {
			return &RemoteError{Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return &TransportError{Err: errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))}
	}

	if parseErr != nil {
		return &ProtocolError{Err: errors.Wrap(parseErr, "decode envelope")}
	}
	if envelope.Error != nil {
		return &RemoteError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if envelope.Result == nil {
		return &ProtocolError{Err: errors.New("envelope carries neither result nor error")}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return &ProtocolError{Err: errors.Wrap(err, "decode result")}
	}
	return nil
}

// SendOrder submits a signed order and returns the submission id.
func (c *Client) SendOrder(ctx context.Context, order types.APIOrder, sig types.Signature) (string, error) {
	var id string
	err := c.Call(ctx, "send_order", []interface{}{order, sig}, &id)
	return id, err
}

// CancelOrder cancels a resting order and returns the confirmation string.
func (c *Client) CancelOrder(ctx context.Context, params types.CancelOrder, sig types.Signature) (string, error) {
	var confirmation string
	err := c.Call(ctx, "cancel_order", []interface{}{params, sig}, &confirmation)
	return confirmation, err
}

// Faucet requests test funds and returns the confirmation string.
func (c *Client) Faucet(ctx context.Context, params types.Faucet, sig types.Signature) (string, error) {
	var confirmation string
	err := c.Call(ctx, "faucet", []interface{}{params, sig}, &confirmation)
	return confirmation, err
}

// GetBalances fetches the per-asset balances of an account.
func (c *Client) GetBalances(ctx context.Context, account string) ([]types.BalanceEntry, error) {
	var balances []types.BalanceEntry
	err := c.Call(ctx, "get_balances", []interface{}{account}, &balances)
	return balances, err
}

// GetOrders fetches the open orders of an account.
func (c *Client) GetOrders(ctx context.Context, account string) ([]types.OrderEntry, error) {
	var orders []types.OrderEntry
	err := c.Call(ctx, "get_orders", []interface{}{account}, &orders)
	return orders, err
}

// GetOrderbookState fetches a complete book snapshot.
func (c *Client) GetOrderbookState(ctx context.Context) (types.OrderbookState, error) {
	var state types.OrderbookState
	err := c.Call(ctx, "get_orderbook_state", nil, &state)
	return state, err
}

// GetHistory fetches the executed-trade history.
func (c *Client) GetHistory(ctx context.Context) ([]types.HistoryEntry, error) {
	var history []types.HistoryEntry
	err := c.Call(ctx, "get_history", nil, &history)
	return history, err
}
