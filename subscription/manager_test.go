package subscription

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/OltaLabs/TradEZ/metrics"
)

// pushServer is a websocket endpoint that records inbound subscribe frames
// and lets tests push notifications or kill connections.
type pushServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{t: t, frames: make(chan string, 16)}
	upgrader := websocket.Upgrader{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.mu.Unlock()
		for {
			var frame struct {
				JSONRPC string `json:"jsonrpc"`
				Method  string `json:"method"`
				ID      string `json:"id"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.JSONRPC != "2.0" || !strings.HasPrefix(frame.ID, frame.Method+"-") {
				ps.t.Errorf("malformed subscribe frame: %+v", frame)
			}
			ps.frames <- frame.Method
		}
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

// push writes a notification frame on the most recent connection.
func (ps *pushServer) push(topic, result string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.conns) == 0 {
		ps.t.Fatal("push with no connection")
	}
	conn := ps.conns[len(ps.conns)-1]
	payload := `{"method":"` + topic + `","params":{"result":` + result + `}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		ps.t.Errorf("push: %v", err)
	}
}

// kill severs the most recent connection without a close handshake.
func (ps *pushServer) kill() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.conns) == 0 {
		ps.t.Fatal("kill with no connection")
	}
	ps.conns[len(ps.conns)-1].Close()
}

func (ps *pushServer) expectFrame(topic string) {
	ps.t.Helper()
	select {
	case got := <-ps.frames:
		if got != topic {
			ps.t.Fatalf("subscribe frame for %q, want %q", got, topic)
		}
	case <-time.After(2 * time.Second):
		ps.t.Fatalf("timed out waiting for subscribe frame %q", topic)
	}
}

func (ps *pushServer) expectNoFrame() {
	ps.t.Helper()
	select {
	case got := <-ps.frames:
		ps.t.Fatalf("unexpected subscribe frame %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func testManager(t *testing.T, url string) *Manager {
	t.Helper()
	m := NewManager(url, Config{ReconnectDelay: 20 * time.Millisecond})
	t.Cleanup(m.Shutdown)
	return m
}

func TestSubscribeUnconfigured(t *testing.T) {
	m := NewManager("", Config{})
	if _, err := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {}); err != ErrNotConfigured {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if m.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", m.State())
	}
}

func TestConnectionFollowsListeners(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	if m.State() != StateClosed {
		t.Fatalf("state before any subscribe = %v", m.State())
	}

	h1, err := m.Subscribe(TopicOrderbookState, func(jsoniter.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	ps.expectFrame(TopicOrderbookState)
	waitState(t, m, StateOpen)

	// A second listener on the same topic reuses the subscription.
	h2, err := m.Subscribe(TopicOrderbookState, func(jsoniter.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	ps.expectNoFrame()

	// A new topic on the open connection is announced immediately.
	h3, err := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	ps.expectFrame(TopicEvent)

	h3.Unsubscribe()
	h1.Unsubscribe()
	if m.State() != StateOpen {
		t.Errorf("state = %v, connection must survive while a listener remains", m.State())
	}

	h2.Unsubscribe()
	if m.State() != StateClosed {
		t.Errorf("state = %v, last unsubscribe must tear down", m.State())
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	h1, _ := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	h2, _ := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	h1.Unsubscribe()
	h1.Unsubscribe()
	h1.Unsubscribe()
	if m.State() == StateClosed {
		t.Fatal("repeated unsubscribe of one handle tore down a live listener")
	}

	h2.Unsubscribe()
	if m.State() != StateClosed {
		t.Errorf("state = %v after last unsubscribe", m.State())
	}
}

func TestDispatchOrderAndPanicIsolation(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	var mu sync.Mutex
	var order []int
	record := func(i int) Listener {
		return func(jsoniter.RawMessage) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	m.Subscribe(TopicEvent, record(1))
	m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		panic("listener bug")
	})
	m.Subscribe(TopicEvent, record(3))
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	ps.push(TopicEvent, `{"Done":{"user":"0xab","id":1}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatched to %d listeners, want 3", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("dispatch order = %v, want registration order", order)
	}
}

func TestListenerReceivesResult(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	got := make(chan string, 1)
	m.Subscribe(TopicOrderbookState, func(result jsoniter.RawMessage) {
		got <- string(result)
	})
	ps.expectFrame(TopicOrderbookState)
	waitState(t, m, StateOpen)

	ps.push(TopicOrderbookState, `[[[12340,100]],[[12341,80]]]`)
	select {
	case result := <-got:
		if result != `[[[12340,100]],[[12341,80]]]` {
			t.Errorf("result = %s", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never ran")
	}
}

func TestResubscribeOncePerTopicAfterReconnect(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	// Two listeners on one topic plus a second topic; a reconnect owes one
	// frame per topic, not per listener.
	m.Subscribe(TopicOrderbookState, func(jsoniter.RawMessage) {})
	m.Subscribe(TopicOrderbookState, func(jsoniter.RawMessage) {})
	m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	first := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case topic := <-ps.frames:
			first[topic]++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for initial subscribe frames")
		}
	}
	if first[TopicOrderbookState] != 1 || first[TopicEvent] != 1 {
		t.Fatalf("initial frames = %v", first)
	}
	waitState(t, m, StateOpen)

	ps.kill()
	waitState(t, m, StateOpen)

	resub := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case topic := <-ps.frames:
			resub[topic]++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for resubscribe frames")
		}
	}
	if resub[TopicOrderbookState] != 1 || resub[TopicEvent] != 1 {
		t.Errorf("resubscribe frames = %v, want exactly one per topic", resub)
	}
	ps.expectNoFrame()
}

func TestRandomizedSubscribeUnsubscribeSequences(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	// Keep the server's frame channel drained; this test only cares about
	// the connection-follows-listeners invariant.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ps.frames:
			case <-done:
				return
			}
		}
	}()

	rng := rand.New(rand.NewSource(7))
	topics := []string{TopicOrderbookState, TopicEvent, "subscribeTicker"}
	var handles []*Handle

	for step := 0; step < 80; step++ {
		if len(handles) == 0 || rng.Intn(2) == 0 {
			h, err := m.Subscribe(topics[rng.Intn(len(topics))], func(jsoniter.RawMessage) {})
			if err != nil {
				t.Fatalf("step %d: subscribe: %v", step, err)
			}
			handles = append(handles, h)
		} else {
			i := rng.Intn(len(handles))
			handles[i].Unsubscribe()
			handles = append(handles[:i], handles[i+1:]...)
		}

		state := m.State()
		if len(handles) == 0 && state != StateClosed {
			t.Fatalf("step %d: state = %v with no listeners", step, state)
		}
		if len(handles) > 0 && state == StateClosed {
			t.Fatalf("step %d: state = CLOSED with %d listeners", step, len(handles))
		}
	}

	if len(handles) > 0 {
		waitState(t, m, StateOpen)
	}
	for _, h := range handles {
		h.Unsubscribe()
	}
	if m.State() != StateClosed {
		t.Fatalf("state = %v after unsubscribing everything", m.State())
	}
}

func TestNoReconnectAfterLastUnsubscribe(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	h, _ := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	h.Unsubscribe()
	if m.State() != StateClosed {
		t.Fatalf("state = %v after last unsubscribe", m.State())
	}

	// Well past the reconnect delay, nothing should have dialed back.
	time.Sleep(100 * time.Millisecond)
	if m.State() != StateClosed {
		t.Errorf("state = %v, reconnect fired with no listeners", m.State())
	}
	ps.expectNoFrame()
}

func TestReconnectCountedOnAttemptOnly(t *testing.T) {
	ps := newPushServer(t)
	mx := metrics.NewWith(prometheus.NewRegistry())
	m := NewManager(ps.url(), Config{ReconnectDelay: time.Minute}, WithMetrics(mx))
	t.Cleanup(m.Shutdown)

	h, err := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {})
	if err != nil {
		t.Fatal(err)
	}
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	ps.kill()
	waitState(t, m, StateReconnectPending)

	// Tearing down while the timer is pending cancels the attempt before
	// it ever dials, so nothing is counted.
	h.Unsubscribe()
	if got := testutil.ToFloat64(mx.Reconnects); got != 0 {
		t.Errorf("reconnects = %v, want 0 for a cancelled pending timer", got)
	}
}

func TestReconnectCountedOnDial(t *testing.T) {
	ps := newPushServer(t)
	mx := metrics.NewWith(prometheus.NewRegistry())
	m := NewManager(ps.url(), Config{ReconnectDelay: 20 * time.Millisecond}, WithMetrics(mx))
	t.Cleanup(m.Shutdown)

	if _, err := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {}); err != nil {
		t.Fatal(err)
	}
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	ps.kill()
	waitState(t, m, StateOpen)
	ps.expectFrame(TopicEvent)
	if got := testutil.ToFloat64(mx.Reconnects); got != 1 {
		t.Errorf("reconnects = %v, want 1 after one reconnect attempt", got)
	}
}

func TestSubscribeAfterShutdown(t *testing.T) {
	ps := newPushServer(t)
	m := NewManager(ps.url(), Config{})
	m.Shutdown()
	if _, err := m.Subscribe(TopicEvent, func(jsoniter.RawMessage) {}); err != ErrShutdown {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestAckAndUnknownTopicDropped(t *testing.T) {
	ps := newPushServer(t)
	m := testManager(t, ps.url())

	calls := make(chan struct{}, 4)
	m.Subscribe(TopicEvent, func(jsoniter.RawMessage) { calls <- struct{}{} })
	ps.expectFrame(TopicEvent)
	waitState(t, m, StateOpen)

	ps.mu.Lock()
	conn := ps.conns[len(ps.conns)-1]
	ps.mu.Unlock()
	// Subscribe ack, a push for a topic nobody listens to, and garbage.
	for _, payload := range []string{
		`{"jsonrpc":"2.0","id":"subscribeEvent-1","result":null}`,
		`{"method":"subscribeTicker","params":{"result":{}}}`,
		`not json`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
	ps.push(TopicEvent, `{"Done":{"user":"0xab","id":1}}`)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("real push never arrived")
	}
	select {
	case <-calls:
		t.Fatal("listener ran for an ack, unknown topic, or garbage frame")
	case <-time.After(50 * time.Millisecond):
	}
}
