package reconciler

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// fetchGuard serializes a reconciler's snapshot fetches. At most one fetch
// is in flight at a time; triggers arriving during a fetch collapse into a
// single follow-up run after the in-flight one completes. The follow-up
// executes the most recent trigger's closure, so an account switch that
// lands mid-fetch queries the new account, not the old one. Fetches execute
// on a one-worker pool so callers never block.
type fetchGuard struct {
	pool *ants.Pool

	mu       sync.Mutex
	inFlight bool
	pending  func()
}

func newFetchGuard() (*fetchGuard, error) {
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, err
	}
	return &fetchGuard{pool: pool}, nil
}

// trigger requests a fetch. Returns false when an in-flight fetch absorbed
// the request; the absorbed closure replaces any previously pending one, so
// the guaranteed follow-up always runs the newest trigger.
func (g *fetchGuard) trigger(run func()) bool {
	g.mu.Lock()
	if g.inFlight {
		g.pending = run
		g.mu.Unlock()
		return false
	}
	g.inFlight = true
	g.mu.Unlock()

	if err := g.pool.Submit(func() { g.drain(run) }); err != nil {
		g.mu.Lock()
		g.inFlight = false
		g.pending = nil
		g.mu.Unlock()
		return false
	}
	return true
}

// drain runs the fetch, then once more per coalesced trigger batch, until
// no pending request remains.
func (g *fetchGuard) drain(run func()) {
	for {
		run()

		g.mu.Lock()
		if g.pending != nil {
			run = g.pending
			g.pending = nil
			g.mu.Unlock()
			continue
		}
		g.inFlight = false
		g.mu.Unlock()
		return
	}
}

// close releases the worker pool.
func (g *fetchGuard) close() {
	g.pool.Release()
}
