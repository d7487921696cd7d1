// Package subscription owns the single duplex connection to the sequencer
// push endpoint and multiplexes logical topic subscriptions over it.
//
// The manager is the only owner of the connection and the topic table. A
// topic is active iff it has at least one listener; the connection is open
// iff at least one topic is active. Removing the last listener tears the
// connection down; an unexpected close with active topics schedules exactly
// one reconnect attempt, after which every active topic is resubscribed
// once.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OltaLabs/TradEZ/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Topics pushed by the sequencer.
const (
	TopicOrderbookState = "subscribeOrderBookState"
	TopicEvent          = "subscribeEvent"
)

// ErrNotConfigured is returned by Subscribe when no push endpoint is set.
var ErrNotConfigured = errors.New("subscription: no endpoint configured")

// ErrShutdown is returned by Subscribe after Shutdown.
var ErrShutdown = errors.New("subscription: manager is shut down")

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnectPending:
		return "RECONNECT_PENDING"
	default:
		return "UNKNOWN"
	}
}

// Listener receives the params.result payload of a push notification.
// Listeners for a topic run synchronously, in registration order; a panic
// in one listener is isolated and does not prevent its siblings.
type Listener func(result jsoniter.RawMessage)

// Handle cancels one listener registration when Unsubscribe is called.
type Handle struct {
	m     *Manager
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe removes the listener. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.m.unsubscribe(h.topic, h.id)
	})
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// pushEnvelope is the inbound frame shape. Push notifications carry a
// method and params.result; subscribe acknowledgements carry an id instead.
type pushEnvelope struct {
	ID     jsoniter.RawMessage `json:"id"`
	Method string              `json:"method"`
	Params struct {
		Result jsoniter.RawMessage `json:"result"`
	} `json:"params"`
}

// Config holds manager settings.
type Config struct {
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SubscribeRPS     int
}

func (c *Config) applyDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SubscribeRPS == 0 {
		c.SubscribeRPS = 20
	}
}

// Manager multiplexes topic subscriptions over one websocket connection.
type Manager struct {
	pushURL string
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64 // connection generation, guards stale callbacks
	listeners  map[string][]listenerEntry
	subscribed map[string]bool // topics announced on the current connection
	reconnect  *time.Timer
	total      int
	nextID     uint64
	closed     bool

	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a manager for the given websocket endpoint. An empty
// endpoint is accepted and makes every Subscribe fail with ErrNotConfigured.
// The connection itself is established lazily on the first subscribe.
func NewManager(pushURL string, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		pushURL:    pushURL,
		cfg:        cfg,
		logger:     zap.NewNop(),
		metrics:    metrics.Nop(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.SubscribeRPS), cfg.SubscribeRPS),
		state:      StateClosed,
		listeners:  make(map[string][]listenerEntry),
		subscribed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveTopics returns the topics that currently have listeners.
func (m *Manager) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.listeners))
	for topic := range m.listeners {
		topics = append(topics, topic)
	}
	return topics
}

// Subscribe registers a listener under a topic and returns its cancellation
// handle. The first listener overall triggers connection establishment; the
// first listener of a topic on an open connection sends the subscribe
// request immediately.
func (m *Manager) Subscribe(topic string, fn Listener) (*Handle, error) {
	if m.pushURL == "" {
		return nil, ErrNotConfigured
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}

	m.nextID++
	handle := &Handle{m: m, topic: topic, id: m.nextID}
	m.listeners[topic] = append(m.listeners[topic], listenerEntry{id: handle.id, fn: fn})
	m.total++
	m.metrics.ActiveListeners.Inc()
	if len(m.listeners[topic]) == 1 {
		m.metrics.ActiveTopics.Inc()
	}

	switch m.state {
	case StateClosed:
		m.startConnectLocked()
	case StateOpen:
		if !m.subscribed[topic] {
			m.subscribed[topic] = true
			go m.sendSubscribe(m.conn, topic)
		}
	}
	// Connecting / ReconnectPending: the topic is announced when the
	// connection next reaches Open.
	m.mu.Unlock()

	return handle, nil
}

// Shutdown tears down the connection and forgets all listeners. The manager
// cannot be reused afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = make(map[string][]listenerEntry)
	m.subscribed = make(map[string]bool)
	m.total = 0
	m.metrics.ActiveListeners.Set(0)
	m.metrics.ActiveTopics.Set(0)
	m.teardownLocked()
}

func (m *Manager) unsubscribe(topic string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.listeners[topic]
	if !ok {
		return
	}
	for i, entry := range entries {
		if entry.id != id {
			continue
		}
		m.listeners[topic] = append(entries[:i:i], entries[i+1:]...)
		m.total--
		m.metrics.ActiveListeners.Dec()
		break
	}

	if len(m.listeners[topic]) == 0 {
		// Forgotten entirely: a later subscribe starts from scratch. No
		// unsubscribe frame is owed to the server.
		delete(m.listeners, topic)
		delete(m.subscribed, topic)
		m.metrics.ActiveTopics.Dec()
	}

	if m.total == 0 {
		m.teardownLocked()
	}
}

// teardownLocked closes the connection and cancels any pending reconnect.
func (m *Manager) teardownLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.conn != nil {
		m.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		m.conn.Close()
		m.conn = nil
	}
	m.subscribed = make(map[string]bool)
	m.gen++
	m.state = StateClosed
}

// startConnectLocked transitions to Connecting and dials off-lock.
func (m *Manager) startConnectLocked() {
	m.state = StateConnecting
	m.gen++
	go m.dial(m.gen)
}

func (m *Manager) dial(gen uint64) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(m.pushURL, nil)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.logger.Warn("websocket connect failed",
			zap.String("url", m.pushURL),
			zap.Error(err))
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.subscribed = make(map[string]bool)
	topics := make([]string, 0, len(m.listeners))
	for topic := range m.listeners {
		m.subscribed[topic] = true
		topics = append(topics, topic)
	}
	m.mu.Unlock()

	m.metrics.Connects.Inc()
	m.logger.Info("websocket connected", zap.String("url", m.pushURL))

	// One subscribe frame per active topic, regardless of listener count.
	for _, topic := range topics {
		m.sendSubscribe(conn, topic)
	}

	go m.readLoop(conn, gen)
}

// scheduleReconnectLocked arms the single pending reconnect timer. With no
// active topics left there is nothing to reconnect for.
func (m *Manager) scheduleReconnectLocked() {
	if m.total == 0 {
		m.state = StateClosed
		return
	}
	m.state = StateReconnectPending
	if m.reconnect != nil {
		return
	}
	m.reconnect = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.reconnect = nil
		if m.closed || m.total == 0 || m.state != StateReconnectPending {
			return
		}
		// Counted here, not when the timer is armed: a teardown that
		// cancels the pending timer never attempted anything.
		m.metrics.Reconnects.Inc()
		m.startConnectLocked()
	})
}

// sendSubscribe writes one subscribe request frame. Failures are logged
// only; a broken connection surfaces through the read loop.
func (m *Manager) sendSubscribe(conn *websocket.Conn, topic string) {
	if conn == nil {
		return
	}
	if err := m.limiter.Wait(context.Background()); err != nil {
		return
	}

	frame := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      string        `json:"id"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
	}{
		JSONRPC: "2.0",
		ID:      topic + "-" + uuid.NewString(),
		Method:  topic,
		Params:  []interface{}{},
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		m.logger.Warn("subscribe request failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// readLoop is the single inbound dispatcher for one connection generation.
// Listener callbacks run to completion before the next message is read, so
// dispatch order matches arrival order on the wire.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	var envelope pushEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.metrics.PushesDropped.WithLabelValues("parse").Inc()
		m.logger.Warn("dropping unparseable push payload", zap.Error(err))
		return
	}
	if envelope.Method == "" {
		// Reply to one of our subscribe requests, nothing to fan out.
		return
	}

	m.mu.Lock()
	entries := m.listeners[envelope.Method]
	snapshot := make([]listenerEntry, len(entries))
	copy(snapshot, entries)
	m.mu.Unlock()

	if len(snapshot) == 0 {
		m.metrics.PushesDropped.WithLabelValues("unknown_topic").Inc()
		m.logger.Debug("dropping push for inactive topic",
			zap.String("method", envelope.Method))
		return
	}

	m.metrics.PushesDispatched.WithLabelValues(envelope.Method).Inc()
	for _, entry := range snapshot {
		m.invoke(envelope.Method, entry, envelope.Params.Result)
	}
}

// invoke runs one listener, isolating panics so siblings still run and
// manager state stays intact.
func (m *Manager) invoke(topic string, entry listenerEntry, result jsoniter.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ListenerPanics.Inc()
			m.logger.Error("listener panicked",
				zap.String("topic", topic),
				zap.Uint64("listener", entry.id),
				zap.Any("panic", r))
		}
	}()
	entry.fn(result)
}

// handleClose reacts to an unexpected connection loss.
func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		return // superseded by teardown or a newer connection
	}

	m.logger.Warn("websocket connection lost", zap.Error(err))
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.subscribed = make(map[string]bool)
	m.gen++
	m.scheduleReconnectLocked()
}
