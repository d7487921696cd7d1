package reconciler

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/OltaLabs/TradEZ/metrics"
	"github.com/OltaLabs/TradEZ/rpc"
	"github.com/OltaLabs/TradEZ/subscription"
	"github.com/OltaLabs/TradEZ/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BookRow is one display-ready level: price, size at that level, and the
// cumulative size from the best price down to this level.
type BookRow struct {
	Price types.Price
	Size  types.Qty
	Total types.Qty
}

// BookView is the derived order book state for one instrument pair. BestBid,
// BestAsk and Spread are nil when the respective side (or either side, for
// the spread) is empty.
type BookView struct {
	Bids      []BookRow
	Asks      []BookRow
	BestBid   *types.Price
	BestAsk   *types.Price
	Spread    *types.Price
	Loading   bool
	Err       error
	UpdatedAt time.Time
}

// Orderbook keeps a best-effort current book, sourced from the pushed
// full-state topic when available and from fixed-interval snapshot polling
// otherwise. The two modes never run concurrently against the same view.
type Orderbook struct {
	client   *rpc.Client
	subs     *subscription.Manager
	notifier *Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration

	mu     sync.RWMutex
	view   BookView
	handle *subscription.Handle
	cancel context.CancelFunc
	guard  *fetchGuard
}

// NewOrderbook creates the order book reconciler.
func NewOrderbook(client *rpc.Client, subs *subscription.Manager, notifier *Notifier, pollInterval time.Duration, logger *zap.Logger, mx *metrics.Metrics) (*Orderbook, error) {
	guard, err := newFetchGuard()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if mx == nil {
		mx = metrics.Nop()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Orderbook{
		client:       client,
		subs:         subs,
		notifier:     notifier,
		logger:       logger,
		metrics:      mx,
		pollInterval: pollInterval,
		view:         BookView{Loading: true},
		guard:        guard,
	}, nil
}

// Start subscribes to the pushed book topic, falling back to snapshot
// polling when push delivery is unavailable.
func (o *Orderbook) Start() {
	handle, err := o.subs.Subscribe(subscription.TopicOrderbookState, o.onPush)
	if err == nil {
		o.mu.Lock()
		o.handle = handle
		o.mu.Unlock()
		return
	}

	o.logger.Info("book push unavailable, polling snapshots",
		zap.Duration("interval", o.pollInterval),
		zap.Error(err))

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	go o.pollLoop(ctx)
}

// Stop detaches from the push topic or stops the polling loop.
func (o *Orderbook) Stop() {
	o.mu.Lock()
	handle, cancel := o.handle, o.cancel
	o.handle, o.cancel = nil, nil
	o.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	o.guard.close()
}

// View returns a copy of the current book view.
func (o *Orderbook) View() BookView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	view := o.view
	view.Bids = append([]BookRow(nil), o.view.Bids...)
	view.Asks = append([]BookRow(nil), o.view.Asks...)
	return view
}

func (o *Orderbook) onPush(result jsoniter.RawMessage) {
	var state types.OrderbookState
	if err := json.Unmarshal(result, &state); err != nil {
		o.logger.Warn("dropping malformed book push", zap.Error(err))
		return
	}
	o.apply(state)
}

func (o *Orderbook) pollLoop(ctx context.Context) {
	o.fetchSnapshot(ctx)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.fetchSnapshot(ctx)
		}
	}
}

func (o *Orderbook) fetchSnapshot(ctx context.Context) {
	submitted := o.guard.trigger(func() {
		o.metrics.Fetches.WithLabelValues("orderbook").Inc()
		state, err := o.client.GetOrderbookState(ctx)
		if err != nil {
			o.metrics.FetchErrors.WithLabelValues("orderbook").Inc()
			o.setError(err)
			return
		}
		o.apply(state)
	})
	if !submitted {
		o.metrics.FetchesCoalesced.WithLabelValues("orderbook").Inc()
	}
}

// apply rebuilds the view from a complete snapshot. Every push replaces the
// prior state; totals, best prices and spread are recomputed from scratch.
func (o *Orderbook) apply(state types.OrderbookState) {
	view := BookView{
		Bids:      buildSide(state.Bids),
		Asks:      buildSide(state.Asks),
		UpdatedAt: time.Now(),
	}

	if len(view.Bids) > 0 {
		best := view.Bids[0].Price
		view.BestBid = &best
	}
	if len(view.Asks) > 0 {
		best := view.Asks[0].Price
		view.BestAsk = &best
	}
	if view.BestBid != nil && view.BestAsk != nil {
		// Clamp inverted books (stale snapshots) to a zero spread.
		var spread types.Price
		if *view.BestAsk > *view.BestBid {
			spread = *view.BestAsk - *view.BestBid
		}
		view.Spread = &spread
	}

	o.mu.Lock()
	o.view = view
	o.mu.Unlock()

	o.notifier.emit(TopicOrderbookUpdate, o.View())
}

func (o *Orderbook) setError(err error) {
	o.mu.Lock()
	o.view.Loading = false
	o.view.Err = err
	o.mu.Unlock()

	o.logger.Warn("book snapshot fetch failed", zap.Error(err))
	o.notifier.emit(TopicOrderbookUpdate, o.View())
}

// buildSide walks levels in the server-provided order (best price first)
// and accumulates the running total.
func buildSide(levels []types.BookLevel) []BookRow {
	rows := make([]BookRow, 0, len(levels))
	var total types.Qty
	for _, level := range levels {
		total += level.Qty
		rows = append(rows, BookRow{Price: level.Price, Size: level.Qty, Total: total})
	}
	return rows
}
