package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/OltaLabs/TradEZ/address"
	"github.com/OltaLabs/TradEZ/metrics"
	"github.com/OltaLabs/TradEZ/rpc"
	"github.com/OltaLabs/TradEZ/subscription"
	"github.com/OltaLabs/TradEZ/types"
)

// OrdersView is the connected account's open-order list, most recent order
// first.
type OrdersView struct {
	Orders  []types.OrderEntry
	Loading bool
	Err     error
}

// MyOrders maintains the connected account's open orders and surfaces
// fill/completion notifications for that account only. Every refresh is a
// full snapshot replace; partial fills are never applied locally, to avoid
// drift from the authoritative remote state.
type MyOrders struct {
	client   *rpc.Client
	subs     *subscription.Manager
	notifier *Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration
	guard        *fetchGuard

	mu      sync.RWMutex
	account address.Address
	epoch   uint64 // bumped on account change; stale fetch results are discarded
	known   map[uint64]struct{}
	view    OrdersView
	handle  *subscription.Handle
	cancel  context.CancelFunc
}

// NewMyOrders creates the my-orders reconciler.
func NewMyOrders(client *rpc.Client, subs *subscription.Manager, notifier *Notifier, pollInterval time.Duration, logger *zap.Logger, mx *metrics.Metrics) (*MyOrders, error) {
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
		pollInterval = 15 * time.Second
	}
	return &MyOrders{
		client:       client,
		subs:         subs,
		notifier:     notifier,
		logger:       logger,
		metrics:      mx,
		pollInterval: pollInterval,
		guard:        guard,
		known:        make(map[uint64]struct{}),
	}, nil
}

// Start hooks into the domain event stream, falling back to fixed-interval
// polling when push delivery is unavailable.
func (m *MyOrders) Start() {
	handle, err := m.subs.Subscribe(subscription.TopicEvent, m.onEvent)
	if err == nil {
		m.mu.Lock()
		m.handle = handle
		m.mu.Unlock()
		return
	}

	m.logger.Info("event push unavailable, polling orders",
		zap.Duration("interval", m.pollInterval),
		zap.Error(err))

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	go m.pollLoop(ctx)
}

// Stop detaches from the event stream or stops polling.
func (m *MyOrders) Stop() {
	m.mu.Lock()
	handle, cancel := m.handle, m.cancel
	m.handle, m.cancel = nil, nil
	m.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.guard.close()
}

// SetAccount switches the connected account. All state is cleared
// immediately; nothing from the previous account leaks into the next view.
// An empty account means disconnected.
func (m *MyOrders) SetAccount(account string) {
	normalized := address.Normalize(account)

	m.mu.Lock()
	if normalized == m.account {
		m.mu.Unlock()
		return
	}
	m.account = normalized
	m.epoch++
	m.known = make(map[uint64]struct{})
	m.view = OrdersView{Loading: !normalized.IsZero()}
	m.mu.Unlock()

	m.notifier.emit(TopicOrdersUpdate, m.View())
	if !normalized.IsZero() {
		m.Refresh()
	}
}

// View returns a copy of the current order list.
func (m *MyOrders) View() OrdersView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	view := m.view
	view.Orders = append([]types.OrderEntry(nil), m.view.Orders...)
	return view
}

// Refresh triggers a snapshot fetch. A fetch already in flight absorbs the
// trigger; at most one follow-up fetch, for the account and epoch current
// at trigger time, runs after it completes.
func (m *MyOrders) Refresh() {
	m.mu.RLock()
	account, epoch := m.account, m.epoch
	m.mu.RUnlock()
	if account.IsZero() {
		return
	}

	submitted := m.guard.trigger(func() { m.fetch(account, epoch) })
	if !submitted {
		m.metrics.FetchesCoalesced.WithLabelValues("orders").Inc()
	}
}

func (m *MyOrders) fetch(account address.Address, epoch uint64) {
	m.metrics.Fetches.WithLabelValues("orders").Inc()
	entries, err := m.client.GetOrders(context.Background(), account.String())

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return // account changed while the fetch was in flight
	}
	if err != nil {
		m.metrics.FetchErrors.WithLabelValues("orders").Inc()
		m.view.Loading = false
		m.view.Err = err
		m.mu.Unlock()
		m.logger.Warn("orders snapshot fetch failed", zap.Error(err))
		m.notifier.emit(TopicOrdersUpdate, m.View())
		return
	}

	// Most recent first; ids are allocated monotonically by the matching
	// engine, so sorting by id descending is stable for a given input.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })

	known := make(map[uint64]struct{}, len(entries))
	for _, entry := range entries {
		known[entry.ID] = struct{}{}
	}
	m.known = known
	m.view = OrdersView{Orders: entries}
	m.mu.Unlock()

	m.notifier.emit(TopicOrdersUpdate, m.View())
}

func (m *MyOrders) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

func (m *MyOrders) onEvent(result jsoniter.RawMessage) {
	var event types.Event
	if err := json.Unmarshal(result, &event); err != nil {
		m.logger.Warn("dropping malformed event push", zap.Error(err))
		return
	}

	m.mu.RLock()
	account := m.account
	m.mu.RUnlock()
	if account.IsZero() {
		return
	}

	concerns, notification := m.classify(event, account)
	if !concerns {
		return
	}
	if notification != nil {
		m.notifier.emit(TopicNotification, *notification)
	}
	m.Refresh()
}

// classify decides whether an event concerns the connected account and
// which notification, if any, it produces. The test is normalized-address
// equality plus a secondary check against the order ids already known to
// belong to the account, which covers counter-party trades against one of
// our resting orders.
func (m *MyOrders) classify(event types.Event, account address.Address) (bool, *Notification) {
	switch event.Kind() {
	case types.EventPlaced:
		return address.Equal(event.Placed.User, account) || m.knows(event.Placed.ID), nil

	case types.EventTrade:
		trade := event.Trade
		switch {
		case address.Equal(trade.MakerUser, account) || m.knows(trade.MakerID):
			return true, &Notification{
				Kind:    NotificationPartialFill,
				Role:    RoleMaker,
				OrderID: trade.MakerID,
				Price:   trade.Price,
				Qty:     trade.Qty,
			}
		case address.Equal(trade.TakerUser, account) || m.knows(trade.TakerID):
			return true, &Notification{
				Kind:    NotificationPartialFill,
				Role:    RoleTaker,
				OrderID: trade.TakerID,
				Price:   trade.Price,
				Qty:     trade.Qty,
			}
		}
		return false, nil

	case types.EventDone:
		if address.Equal(event.Done.User, account) || m.knows(event.Done.ID) {
			return true, &Notification{
				Kind:    NotificationOrderCompleted,
				OrderID: event.Done.ID,
			}
		}
		return false, nil

	case types.EventCancelled:
		return address.Equal(event.Cancelled.User, account) || m.knows(event.Cancelled.ID), nil

	default:
		m.logger.Warn("dropping unknown event kind")
		return false, nil
	}
}

func (m *MyOrders) knows(orderID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.known[orderID]
	return ok
}
