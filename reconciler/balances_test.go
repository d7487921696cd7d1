package reconciler

import (
	"strings"
	"testing"
	"time"

	"github.com/OltaLabs/TradEZ/address"
	"github.com/OltaLabs/TradEZ/types"
)

func newTestBalances(t *testing.T, seq *fakeSequencer) *Balances {
	t.Helper()
	b, err := NewBalances(seq.client(), offSubs(), nil, time.Minute, 10*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestBalancesZeroDefaults(t *testing.T) {
	seq := newFakeSequencer(t)
	b := newTestBalances(t, seq)

	// Before any account: every known asset present, all zero.
	view := b.View()
	for _, currency := range types.Currencies {
		qty, ok := view.Balances[currency]
		if !ok {
			t.Errorf("%s missing from zero view", currency)
		}
		if qty != 0 {
			t.Errorf("%s = %d, want 0", currency, qty)
		}
	}

	// A snapshot mentioning only USDC still reports XTZ as zero.
	seq.setResult("get_balances", `[["USDC",5000000]]`)
	b.SetAccount(accountA)
	waitFor(t, "balances snapshot", func() bool { return b.View().Balances[types.USDC] == 5000000 })

	view = b.View()
	if qty, ok := view.Balances[types.XTZ]; !ok || qty != 0 {
		t.Errorf("XTZ = %d (present %v), want explicit 0", qty, ok)
	}
}

func TestBalancesAccountSwitchClears(t *testing.T) {
	seq := newFakeSequencer(t)
	seq.setResult("get_balances", `[["USDC",777]]`)
	b := newTestBalances(t, seq)

	b.SetAccount(accountA)
	waitFor(t, "snapshot", func() bool { return b.View().Balances[types.USDC] == 777 })

	seq.setResult("get_balances", `[["USDC",1]]`)
	b.SetAccount(accountB)
	if view := b.View(); view.Balances[types.USDC] == 777 {
		t.Error("previous account's balance leaked across the switch")
	}
	waitFor(t, "new snapshot", func() bool { return b.View().Balances[types.USDC] == 1 })
}

func TestBalancesAccountSwitchDuringInFlightFetch(t *testing.T) {
	seq := newFakeSequencer(t)
	seq.setResult("get_balances", `[["USDC",42]]`)
	release := seq.gate()
	b := newTestBalances(t, seq)

	b.SetAccount(accountA)
	waitFor(t, "first fetch to start", func() bool { return seq.count("get_balances") == 1 })

	b.SetAccount(accountB)
	release <- struct{}{}
	release <- struct{}{}

	waitFor(t, "B's snapshot", func() bool {
		view := b.View()
		return !view.Loading && view.Balances[types.USDC] == 42
	})
	params := seq.seenParams("get_balances")
	if len(params) != 2 {
		t.Fatalf("fetches = %d, want 2", len(params))
	}
	if !strings.Contains(params[1], accountB) {
		t.Errorf("follow-up fetch params = %s, want account %s", params[1], accountB)
	}
}

func TestBalancesFetchErrorSurfaces(t *testing.T) {
	seq := newFakeSequencer(t)
	// get_balances unset, every call fails remotely.
	b := newTestBalances(t, seq)

	b.SetAccount(accountA)
	waitFor(t, "fetch error", func() bool { return b.View().Err != nil })
	if view := b.View(); view.Loading {
		t.Error("still loading after failed fetch")
	}
}

func TestNotifyFaucetRefreshesAfterDelay(t *testing.T) {
	seq := newFakeSequencer(t)
	seq.setResult("get_balances", `[["USDC",1]]`)
	b := newTestBalances(t, seq)

	b.SetAccount(accountA)
	waitFor(t, "snapshot", func() bool { return !b.View().Loading })
	fetched := seq.count("get_balances")

	b.NotifyFaucet()
	waitFor(t, "delayed refresh", func() bool { return seq.count("get_balances") > fetched })
}

func TestConcernsDirect(t *testing.T) {
	account := address.Normalize(accountA)
	other := address.Normalize(accountB)

	cases := []struct {
		name  string
		event types.Event
		want  bool
	}{
		{"placed by us", types.Event{Placed: &types.PlacedEvent{User: account}}, true},
		{"placed by other", types.Event{Placed: &types.PlacedEvent{User: other}}, false},
		{"trade as maker", types.Event{Trade: &types.TradeEvent{MakerUser: account, TakerUser: other}}, true},
		{"trade as taker", types.Event{Trade: &types.TradeEvent{MakerUser: other, TakerUser: account}}, true},
		{"trade between strangers", types.Event{Trade: &types.TradeEvent{MakerUser: other, TakerUser: other}}, false},
		{"done for us", types.Event{Done: &types.DoneEvent{User: account}}, true},
		{"cancelled for us", types.Event{Cancelled: &types.CancelledEvent{User: account}}, true},
		{"unknown kind", types.Event{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := concernsDirect(c.event, account); got != c.want {
				t.Errorf("concernsDirect = %v, want %v", got, c.want)
			}
		})
	}
}
