// Package reconciler derives locally-coherent views (order book, trade
// history, the connected account's orders and balances) from snapshot
// fetches and pushed events. Each reconciler exclusively owns its view and
// rebuilds it wholesale; nothing is incrementally patched.
package reconciler

import (
	"github.com/olebedev/emitter"
)

// Emitter topics for view updates and user-facing notifications.
const (
	TopicOrderbookUpdate = "orderbook:update"
	TopicTradesUpdate    = "trades:update"
	TopicOrdersUpdate    = "orders:update"
	TopicBalancesUpdate  = "balances:update"
	TopicNotification    = "orders:notification"
)

// Role labels which side of a trade the connected account was on.
type Role string

const (
	RoleMaker Role = "Maker"
	RoleTaker Role = "Taker"
)

// NotificationKind discriminates user-facing notifications.
type NotificationKind string

const (
	NotificationPartialFill    NotificationKind = "partially_filled"
	NotificationOrderCompleted NotificationKind = "order_completed"
)

// Notification is a user-facing event concerning the connected account.
// Notifications are side effects only; they never mutate reconciler state.
type Notification struct {
	Kind    NotificationKind
	Role    Role // set for partial fills
	OrderID uint64
	Price   uint64
	Qty     uint64
}

// Notifier fans out view updates and notifications to render-layer
// consumers as channel events.
type Notifier struct {
	emitter *emitter.Emitter
}

// NewNotifier creates a notifier with the given per-listener buffer.
func NewNotifier(buffer uint) *Notifier {
	return &Notifier{emitter: emitter.New(buffer)}
}

// On returns a channel of events matching the pattern (wildcards allowed).
func (n *Notifier) On(pattern string) <-chan emitter.Event {
	return n.emitter.On(pattern)
}

// Off removes a previously registered channel.
func (n *Notifier) Off(pattern string, ch <-chan emitter.Event) {
	n.emitter.Off(pattern, ch)
}

func (n *Notifier) emit(topic string, payload interface{}) {
	if n == nil {
		return
	}
	n.emitter.Emit(topic, payload)
}
