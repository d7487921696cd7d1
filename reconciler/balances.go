package reconciler

import (
	"context"
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

// BalancesView maps every known asset to the connected account's quantity.
// Unseen assets are reported as zero rather than omitted.
type BalancesView struct {
	Balances map[types.Currency]types.Qty
	Loading  bool
	Err      error
}

// Balances maintains the connected account's per-asset quantities. Sourced
// by snapshot on account change, refreshed on events concerning the account
// (direct address match), a fixed delay after a faucet call, and by
// fixed-interval polling when push delivery is unavailable.
type Balances struct {
	client   *rpc.Client
	subs     *subscription.Manager
	notifier *Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration
	faucetDelay  time.Duration
	guard        *fetchGuard

	mu      sync.RWMutex
	account address.Address
	epoch   uint64
	view    BalancesView
	handle  *subscription.Handle
	cancel  context.CancelFunc
}

// NewBalances creates the balance reconciler.
func NewBalances(client *rpc.Client, subs *subscription.Manager, notifier *Notifier, pollInterval, faucetDelay time.Duration, logger *zap.Logger, mx *metrics.Metrics) (*Balances, error) {
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
	return &Balances{
		client:       client,
		subs:         subs,
		notifier:     notifier,
		logger:       logger,
		metrics:      mx,
		pollInterval: pollInterval,
		faucetDelay:  faucetDelay,
		guard:        guard,
		view:         BalancesView{Balances: zeroBalances()},
	}, nil
}

// Start hooks into the domain event stream, falling back to fixed-interval
// polling when push delivery is unavailable.
func (b *Balances) Start() {
	handle, err := b.subs.Subscribe(subscription.TopicEvent, b.onEvent)
	if err == nil {
		b.mu.Lock()
		b.handle = handle
		b.mu.Unlock()
		return
	}

	b.logger.Info("event push unavailable, polling balances",
		zap.Duration("interval", b.pollInterval),
		zap.Error(err))

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	go b.pollLoop(ctx)
}

// Stop detaches from the event stream or stops polling.
func (b *Balances) Stop() {
	b.mu.Lock()
	handle, cancel := b.handle, b.cancel
	b.handle, b.cancel = nil, nil
	b.mu.Unlock()

	if handle != nil {
		handle.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	b.guard.close()
}

// SetAccount switches the connected account, clearing state immediately.
func (b *Balances) SetAccount(account string) {
	normalized := address.Normalize(account)

	b.mu.Lock()
	if normalized == b.account {
		b.mu.Unlock()
		return
	}
	b.account = normalized
	b.epoch++
	b.view = BalancesView{Balances: zeroBalances(), Loading: !normalized.IsZero()}
	b.mu.Unlock()

	b.notifier.emit(TopicBalancesUpdate, b.View())
	if !normalized.IsZero() {
		b.Refresh()
	}
}

// View returns a copy of the current balances.
func (b *Balances) View() BalancesView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	view := b.view
	view.Balances = make(map[types.Currency]types.Qty, len(b.view.Balances))
	for currency, qty := range b.view.Balances {
		view.Balances[currency] = qty
	}
	return view
}

// Refresh triggers a snapshot fetch through the single-flight guard.
func (b *Balances) Refresh() {
	b.mu.RLock()
	account, epoch := b.account, b.epoch
	b.mu.RUnlock()
	if account.IsZero() {
		return
	}

	submitted := b.guard.trigger(func() { b.fetch(account, epoch) })
	if !submitted {
		b.metrics.FetchesCoalesced.WithLabelValues("balances").Inc()
	}
}

// NotifyFaucet schedules a refresh a fixed short delay after a faucet call
// was issued, tolerating asynchronous settlement.
func (b *Balances) NotifyFaucet() {
	time.AfterFunc(b.faucetDelay, b.Refresh)
}

func (b *Balances) fetch(account address.Address, epoch uint64) {
	b.metrics.Fetches.WithLabelValues("balances").Inc()
	entries, err := b.client.GetBalances(context.Background(), account.String())

	b.mu.Lock()
	if epoch != b.epoch {
		b.mu.Unlock()
		return
	}
	if err != nil {
		b.metrics.FetchErrors.WithLabelValues("balances").Inc()
		b.view.Loading = false
		b.view.Err = err
		b.mu.Unlock()
		b.logger.Warn("balances snapshot fetch failed", zap.Error(err))
		b.notifier.emit(TopicBalancesUpdate, b.View())
		return
	}

	balances := zeroBalances()
	for _, entry := range entries {
		balances[entry.Currency] = entry.Qty
	}
	b.view = BalancesView{Balances: balances}
	b.mu.Unlock()

	b.notifier.emit(TopicBalancesUpdate, b.View())
}

func (b *Balances) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refresh()
		}
	}
}

func (b *Balances) onEvent(result jsoniter.RawMessage) {
	var event types.Event
	if err := json.Unmarshal(result, &event); err != nil {
		b.logger.Warn("dropping malformed event push", zap.Error(err))
		return
	}

	b.mu.RLock()
	account := b.account
	b.mu.RUnlock()
	if account.IsZero() {
		return
	}

	if concernsDirect(event, account) {
		b.Refresh()
	}
}

// concernsDirect is the simplified concerns-account test for balances: a
// direct normalized-address match on any user field of the event.
func concernsDirect(event types.Event, account address.Address) bool {
	switch event.Kind() {
	case types.EventPlaced:
		return address.Equal(event.Placed.User, account)
	case types.EventTrade:
		return address.Equal(event.Trade.MakerUser, account) ||
			address.Equal(event.Trade.TakerUser, account)
	case types.EventDone:
		return address.Equal(event.Done.User, account)
	case types.EventCancelled:
		return address.Equal(event.Cancelled.User, account)
	default:
		return false
	}
}

func zeroBalances() map[types.Currency]types.Qty {
	balances := make(map[types.Currency]types.Qty, len(types.Currencies))
	for _, currency := range types.Currencies {
		balances[currency] = 0
	}
	return balances
}
