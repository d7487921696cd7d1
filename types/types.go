// Package types defines the wire and domain types shared across the TradEZ
// client. Wire shapes follow the sequencer's JSON-RPC surface: scalar pairs
// are encoded as JSON tuples, events as an externally tagged union, and
// signatures as plain byte arrays.
package types

import (
	"encoding/hex"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/OltaLabs/TradEZ/address"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Price is expressed in microUSDC per XTZ.
type Price = uint64

// Qty is expressed in microXTZ.
type Qty = uint64

// Side is the order side.
type Side string

const (
	Bid Side = "Bid"
	Ask Side = "Ask"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// OrdType is the order kind.
type OrdType string

const (
	Limit  OrdType = "Limit"
	Market OrdType = "Market"
)

// Currency is an asset symbol.
type Currency string

const (
	USDC Currency = "USDC"
	XTZ  Currency = "XTZ"
)

// Currencies lists every asset a balance view reports, in display order.
// Unseen assets default to zero rather than being omitted.
var Currencies = []Currency{USDC, XTZ}

// APIOrder is the payload of a send_order call.
type APIOrder struct {
	Side  Side   `json:"side"`
	Size  Qty    `json:"size"`
	Price Price  `json:"price"`
	Nonce uint64 `json:"nonce"`
}

// CancelOrder is the payload of a cancel_order call.
type CancelOrder struct {
	OrderID uint64 `json:"order_id"`
}

// Faucet is the payload of a faucet call.
type Faucet struct {
	Amount   Qty      `json:"amount"`
	Currency Currency `json:"currency"`
}

// Signature is opaque signer output. It marshals as a JSON array of byte
// values, never base64.
type Signature []byte

// MarshalJSON emits the byte values as numbers.
func (s Signature) MarshalJSON() ([]byte, error) {
	ints := make([]uint16, len(s))
	for i, b := range s {
		ints[i] = uint16(b)
	}
	return json.Marshal(ints)
}

// SignatureFromHex parses a hex string (with or without 0x prefix).
func SignatureFromHex(s string) (Signature, error) {
	h := strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex signature")
	}
	return Signature(b), nil
}

// UserOrder is one of the connected account's resting orders.
type UserOrder struct {
	Side      Side    `json:"side"`
	OrdType   OrdType `json:"ord_type"`
	Price     Price   `json:"price"`
	Qty       Qty     `json:"qty"`
	Remaining Qty     `json:"remaining"`
	Nonce     uint64  `json:"nonce"`
}

// Filled derives the executed quantity. Clamped to zero when remaining
// exceeds qty, which happens transiently with stale snapshots.
func (o UserOrder) Filled() Qty {
	if o.Remaining > o.Qty {
		return 0
	}
	return o.Qty - o.Remaining
}

// OrderEntry pairs an order id with its order; wire form is [id, order].
type OrderEntry struct {
	ID    uint64
	Order UserOrder
}

// UnmarshalJSON decodes the [id, order] tuple.
func (e *OrderEntry) UnmarshalJSON(data []byte) error {
	var tuple []jsoniter.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return errors.Errorf("order entry: expected 2 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.ID); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &e.Order)
}

// MarshalJSON encodes the [id, order] tuple.
func (e OrderEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.ID, e.Order})
}

// BalanceEntry pairs an asset with a quantity; wire form is [currency, qty].
type BalanceEntry struct {
	Currency Currency
	Qty      Qty
}

// UnmarshalJSON decodes the [currency, qty] tuple.
func (e *BalanceEntry) UnmarshalJSON(data []byte) error {
	var tuple []jsoniter.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return errors.Errorf("balance entry: expected 2 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.Currency); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &e.Qty)
}

// MarshalJSON encodes the [currency, qty] tuple.
func (e BalanceEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Currency, e.Qty})
}

// BookLevel is one price level; wire form is [price, qty].
type BookLevel struct {
	Price Price
	Qty   Qty
}

// UnmarshalJSON decodes the [price, qty] tuple.
func (l *BookLevel) UnmarshalJSON(data []byte) error {
	var tuple []uint64
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return errors.Errorf("book level: expected 2 elements, got %d", len(tuple))
	}
	l.Price = tuple[0]
	l.Qty = tuple[1]
	return nil
}

// MarshalJSON encodes the [price, qty] tuple.
func (l BookLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{l.Price, l.Qty})
}

// OrderbookState is a complete book snapshot, bids then asks, each side
// ordered best price first. Every push replaces the prior snapshot in full.
type OrderbookState struct {
	Bids []BookLevel
	Asks []BookLevel
}

// UnmarshalJSON decodes the [bids, asks] tuple.
func (s *OrderbookState) UnmarshalJSON(data []byte) error {
	var sides [][]BookLevel
	if err := json.Unmarshal(data, &sides); err != nil {
		return err
	}
	if len(sides) != 2 {
		return errors.Errorf("orderbook state: expected 2 sides, got %d", len(sides))
	}
	s.Bids = sides[0]
	s.Asks = sides[1]
	return nil
}

// MarshalJSON encodes the [bids, asks] tuple.
func (s OrderbookState) MarshalJSON() ([]byte, error) {
	bids := s.Bids
	if bids == nil {
		bids = []BookLevel{}
	}
	asks := s.Asks
	if asks == nil {
		asks = []BookLevel{}
	}
	return json.Marshal([][]BookLevel{bids, asks})
}

// HistoryEntry is one executed trade from get_history; wire form is
// [ts, qty, price, side].
type HistoryEntry struct {
	Ts    uint64
	Qty   Qty
	Price Price
	Side  Side
}

// UnmarshalJSON decodes the [ts, qty, price, side] tuple.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var tuple []jsoniter.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 4 {
		return errors.Errorf("history entry: expected 4 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &h.Ts); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &h.Qty); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[2], &h.Price); err != nil {
		return err
	}
	return json.Unmarshal(tuple[3], &h.Side)
}

// EventKind discriminates the domain event union.
type EventKind string

const (
	EventPlaced    EventKind = "Placed"
	EventTrade     EventKind = "Trade"
	EventDone      EventKind = "Done"
	EventCancelled EventKind = "Cancelled"
	EventUnknown   EventKind = ""
)

// PlacedEvent reports a newly resting order.
type PlacedEvent struct {
	User  address.Address `json:"user"`
	ID    uint64          `json:"id"`
	Side  Side            `json:"side"`
	Price Price           `json:"price"`
	Qty   Qty             `json:"qty"`
}

// TradeEvent reports a match between a resting maker and an incoming taker.
type TradeEvent struct {
	MakerID    uint64          `json:"maker_id"`
	MakerUser  address.Address `json:"maker_user"`
	TakerID    uint64          `json:"taker_id"`
	TakerUser  address.Address `json:"taker_user"`
	Price      Price           `json:"price"`
	Qty        Qty             `json:"qty"`
	OriginSide Side            `json:"origin_side"`
}

// DoneEvent reports an order fully executed.
type DoneEvent struct {
	User address.Address `json:"user"`
	ID   uint64          `json:"id"`
}

// CancelledEvent reports an order removed from the book.
type CancelledEvent struct {
	User   address.Address `json:"user"`
	ID     uint64          `json:"id"`
	Reason string          `json:"reason"`
}

// Event is the externally tagged domain event union; exactly one case is
// populated. Events are broadcast to every subscriber regardless of
// account; filtering belongs to the reconcilers.
type Event struct {
	Placed    *PlacedEvent    `json:"Placed,omitempty"`
	Trade     *TradeEvent     `json:"Trade,omitempty"`
	Done      *DoneEvent      `json:"Done,omitempty"`
	Cancelled *CancelledEvent `json:"Cancelled,omitempty"`
}

// Kind returns the populated case, or EventUnknown when nothing matched.
func (e Event) Kind() EventKind {
	switch {
	case e.Placed != nil:
		return EventPlaced
	case e.Trade != nil:
		return EventTrade
	case e.Done != nil:
		return EventDone
	case e.Cancelled != nil:
		return EventCancelled
	default:
		return EventUnknown
	}
}
