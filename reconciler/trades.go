package reconciler

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/OltaLabs/TradEZ/rpc"
	"github.com/OltaLabs/TradEZ/subscription"
	"github.com/OltaLabs/TradEZ/types"
)

// TradeRecord is one executed trade in the history view.
type TradeRecord struct {
	MakerID    uint64
	TakerID    uint64
	Price      types.Price
	Qty        types.Qty
	OriginSide types.Side
	SeenAt     time.Time
}

// tradeRing is a fixed-size ring buffer of trade records.
type tradeRing struct {
	records []TradeRecord
	head    int
	count   int
}

func newTradeRing(size int) *tradeRing {
	return &tradeRing{records: make([]TradeRecord, size)}
}

func (r *tradeRing) add(record TradeRecord) {
	r.records[r.head] = record
	r.head = (r.head + 1) % len(r.records)
	if r.count < len(r.records) {
		r.count++
	}
}

// recent returns all buffered records, newest first.
func (r *tradeRing) recent() []TradeRecord {
	out := make([]TradeRecord, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head - 1 - i + len(r.records)) % len(r.records)
		out[i] = r.records[idx]
	}
	return out
}

func (r *tradeRing) reset() {
	r.head = 0
	r.count = 0
}

// Trades is the append-only trade-history view, bounded to the most recent
// N entries and built purely from Trade events. It starts empty on every
// (re)subscription; there is no historical backfill contract on the push
// path. In polling mode an optional one-shot get_history backfill seeds it.
type Trades struct {
	client   *rpc.Client
	subs     *subscription.Manager
	notifier *Notifier
	logger   *zap.Logger
	backfill bool

	mu     sync.RWMutex
	ring   *tradeRing
	handle *subscription.Handle
}

// NewTrades creates the trade-history reconciler keeping the most recent
// `size` trades.
func NewTrades(client *rpc.Client, subs *subscription.Manager, notifier *Notifier, size int, backfill bool, logger *zap.Logger) *Trades {
	if size <= 0 {
		size = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trades{
		client:   client,
		subs:     subs,
		notifier: notifier,
		logger:   logger,
		backfill: backfill,
		ring:     newTradeRing(size),
	}
}

// Start subscribes to the domain event stream. The view starts empty.
func (t *Trades) Start() {
	t.mu.Lock()
	t.ring.reset()
	t.mu.Unlock()

	handle, err := t.subs.Subscribe(subscription.TopicEvent, t.onEvent)
	if err == nil {
		t.mu.Lock()
		t.handle = handle
		t.mu.Unlock()
		return
	}

	t.logger.Info("event push unavailable, trade history idle", zap.Error(err))
	if t.backfill {
		go t.seedFromHistory()
	}
}

// Stop detaches from the event stream.
func (t *Trades) Stop() {
	t.mu.Lock()
	handle := t.handle
	t.handle = nil
	t.mu.Unlock()
	if handle != nil {
		handle.Unsubscribe()
	}
}

// Recent returns the buffered trades, newest first.
func (t *Trades) Recent() []TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ring.recent()
}

func (t *Trades) onEvent(result jsoniter.RawMessage) {
	var event types.Event
	if err := json.Unmarshal(result, &event); err != nil {
		t.logger.Warn("dropping malformed event push", zap.Error(err))
		return
	}

	switch event.Kind() {
	case types.EventTrade:
		t.record(TradeRecord{
			MakerID:    event.Trade.MakerID,
			TakerID:    event.Trade.TakerID,
			Price:      event.Trade.Price,
			Qty:        event.Trade.Qty,
			OriginSide: event.Trade.OriginSide,
			SeenAt:     time.Now(),
		})
	case types.EventPlaced, types.EventDone, types.EventCancelled:
		// Not part of the trade history.
	default:
		t.logger.Warn("dropping unknown event kind")
	}
}

func (t *Trades) record(record TradeRecord) {
	t.mu.Lock()
	t.ring.add(record)
	t.mu.Unlock()
	t.notifier.emit(TopicTradesUpdate, t.Recent())
}

// seedFromHistory fills the view once from the get_history endpoint, oldest
// entries first so the ring ends up newest-first like the live path.
func (t *Trades) seedFromHistory() {
	history, err := t.client.GetHistory(context.Background())
	if err != nil {
		t.logger.Warn("trade history backfill failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	for _, entry := range history {
		t.ring.add(TradeRecord{
			Price:      entry.Price,
			Qty:        entry.Qty,
			OriginSide: entry.Side,
			SeenAt:     time.Unix(0, int64(entry.Ts)*int64(time.Millisecond)),
		})
	}
	t.mu.Unlock()
	t.notifier.emit(TopicTradesUpdate, t.Recent())
}
