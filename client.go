// Package tradez is the client-side synchronization layer for the TradEZ
// exchange. It keeps a locally-coherent view of the order book, the
// connected account's open orders, and its balances over a reconnecting
// push channel, and issues one-shot JSON-RPC calls for mutations and
// snapshots. It has no entry point of its own; a presentation layer
// consumes the views and notification channels.
package tradez

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/OltaLabs/TradEZ/config"
	"github.com/OltaLabs/TradEZ/metrics"
	"github.com/OltaLabs/TradEZ/reconciler"
	"github.com/OltaLabs/TradEZ/rpc"
	"github.com/OltaLabs/TradEZ/subscription"
	"github.com/OltaLabs/TradEZ/types"
)

// Client bundles the transport, the subscription manager and the view
// reconcilers around one endpoint configuration.
type Client struct {
	RPC           *rpc.Client
	Subscriptions *subscription.Manager
	Notifier      *reconciler.Notifier
	Orderbook     *reconciler.Orderbook
	Trades        *reconciler.Trades
	MyOrders      *reconciler.MyOrders
	Balances      *reconciler.Balances

	logger *zap.Logger
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	http    *http.Client
}

// WithLogger sets the logger for every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink for every component.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient overrides the RPC transport's HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.http = h }
}

// New creates a client from configuration. With no base URL configured the
// client stays usable in a read-nothing state: every networked operation
// fails fast with a configuration error.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	o := &options{
		logger:  zap.NewNop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	rpcOpts := []rpc.Option{
		rpc.WithLogger(o.logger.Named("rpc")),
		rpc.WithMetrics(o.metrics),
	}
	if o.http != nil {
		rpcOpts = append(rpcOpts, rpc.WithHTTPClient(o.http))
	} else if cfg.API.RequestTimeout > 0 {
		rpcOpts = append(rpcOpts, rpc.WithHTTPClient(&http.Client{Timeout: cfg.API.RequestTimeout}))
	}
	transport := rpc.NewClient(cfg.API.BaseURL, rpcOpts...)

	subs := subscription.NewManager(cfg.PushURL(), subscription.Config{
		ReconnectDelay:   cfg.Subscription.ReconnectDelay,
		HandshakeTimeout: cfg.Subscription.HandshakeTimeout,
		WriteTimeout:     cfg.Subscription.WriteTimeout,
		SubscribeRPS:     cfg.Subscription.SubscribeRPS,
	},
		subscription.WithLogger(o.logger.Named("subscription")),
		subscription.WithMetrics(o.metrics),
	)

	notifier := reconciler.NewNotifier(64)

	book, err := reconciler.NewOrderbook(transport, subs, notifier,
		cfg.Orderbook.PollInterval, o.logger.Named("orderbook"), o.metrics)
	if err != nil {
		return nil, err
	}
	trades := reconciler.NewTrades(transport, subs, notifier,
		cfg.Orderbook.TradeHistorySize, cfg.Orderbook.HistoryBackfill,
		o.logger.Named("trades"))
	orders, err := reconciler.NewMyOrders(transport, subs, notifier,
		cfg.Orders.PollInterval, o.logger.Named("orders"), o.metrics)
	if err != nil {
		return nil, err
	}
	balances, err := reconciler.NewBalances(transport, subs, notifier,
		cfg.Balances.PollInterval, cfg.Balances.FaucetRefreshDelay,
		o.logger.Named("balances"), o.metrics)
	if err != nil {
		return nil, err
	}

	return &Client{
		RPC:           transport,
		Subscriptions: subs,
		Notifier:      notifier,
		Orderbook:     book,
		Trades:        trades,
		MyOrders:      orders,
		Balances:      balances,
		logger:        o.logger,
	}, nil
}

// Start brings every reconciler online.
func (c *Client) Start() {
	c.Orderbook.Start()
	c.Trades.Start()
	c.MyOrders.Start()
	c.Balances.Start()
}

// SetAccount switches the connected account on the account-scoped views.
// An empty account disconnects.
func (c *Client) SetAccount(account string) {
	c.MyOrders.SetAccount(account)
	c.Balances.SetAccount(account)
}

// Faucet requests test funds and schedules a delayed balance refresh to
// tolerate asynchronous settlement.
func (c *Client) Faucet(ctx context.Context, params types.Faucet, sig types.Signature) (string, error) {
	confirmation, err := c.RPC.Faucet(ctx, params, sig)
	if err == nil {
		c.Balances.NotifyFaucet()
	}
	return confirmation, err
}

// Shutdown stops the reconcilers and tears down the shared connection.
func (c *Client) Shutdown() {
	c.Orderbook.Stop()
	c.Trades.Stop()
	c.MyOrders.Stop()
	c.Balances.Stop()
	c.Subscriptions.Shutdown()
}
