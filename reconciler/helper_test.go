package reconciler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/OltaLabs/TradEZ/rpc"
	"github.com/OltaLabs/TradEZ/subscription"
)

// fakeSequencer is a canned JSON-RPC endpoint with per-method results,
// call counting, and optional request gating for coalescing tests.
type fakeSequencer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	results map[string]string
	calls   map[string]int
	params  map[string][]string
	hold    chan struct{}
}

func newFakeSequencer(t *testing.T) *fakeSequencer {
	t.Helper()
	f := &fakeSequencer{
		t:       t,
		results: make(map[string]string),
		calls:   make(map[string]int),
		params:  make(map[string][]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		var req struct {
			ID     string              `json:"id"`
			Method string              `json:"method"`
			Params jsoniter.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("decode request %s: %v", payload, err)
			return
		}

		f.mu.Lock()
		f.calls[req.Method]++
		f.params[req.Method] = append(f.params[req.Method], string(req.Params))
		result, ok := f.results[req.Method]
		hold := f.hold
		f.mu.Unlock()

		if hold != nil {
			<-hold
		}

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			io.WriteString(w, `{"jsonrpc":"2.0","id":"`+req.ID+`","error":{"code":-32601,"message":"method not found"}}`)
			return
		}
		io.WriteString(w, `{"jsonrpc":"2.0","id":"`+req.ID+`","result":`+result+`}`)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSequencer) client() *rpc.Client {
	return rpc.NewClient(f.srv.URL)
}

func (f *fakeSequencer) setResult(method, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = result
}

func (f *fakeSequencer) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// seenParams returns the raw params of every request for a method, in
// arrival order.
func (f *fakeSequencer) seenParams(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.params[method]...)
}

// gate makes every subsequent request block until a token is sent on the
// returned channel.
func (f *fakeSequencer) gate() chan<- struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = make(chan struct{})
	return f.hold
}

// offSubs is a subscription manager with no endpoint; Subscribe always
// fails, which drives the reconcilers into their polling fallbacks.
func offSubs() *subscription.Manager {
	return subscription.NewManager("", subscription.Config{})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
