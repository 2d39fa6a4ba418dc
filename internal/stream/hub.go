package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval     = time.Second
	MinInterval         = 100 * time.Millisecond
	DefaultTickInterval = 100 * time.Millisecond
	DefaultQueueSize    = 64
	DefaultInboundRate  = 10
	DefaultInboundBurst = 20
	DefaultWriteTimeout = 5 * time.Second

	maxMessageSize = 64 * 1024
)

type MetricType string

const (
	MetricAll            MetricType = "all"
	MetricPerformance    MetricType = "performance"
	MetricDatabase       MetricType = "database"
	MetricCache          MetricType = "cache"
	MetricCircuitBreaker MetricType = "circuit-breaker"
	MetricSLO            MetricType = "slo"
)

type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageUpdate   MessageType = "update"
	MessageAlert    MessageType = "alert"
)

// Message is the envelope of every server frame. Timestamp is in Unix
// milliseconds.
type Message struct {
	Type       MessageType `json:"type"`
	Timestamp  int64       `json:"timestamp"`
	Data       any         `json:"data"`
	MetricType MetricType  `json:"metricType"`
}

// SourceFunc produces the current data of one metric type.
type SourceFunc func() any

type Config struct {
	DefaultInterval time.Duration
	TickInterval    time.Duration
	QueueSize       int
	InboundRate     rate.Limit
	InboundBurst    int
	WriteTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultInterval: DefaultInterval,
		TickInterval:    DefaultTickInterval,
		QueueSize:       DefaultQueueSize,
		InboundRate:     DefaultInboundRate,
		InboundBurst:    DefaultInboundBurst,
		WriteTimeout:    DefaultWriteTimeout,
	}
}

type Stats struct {
	Subscriptions   int   `json:"subscriptions"`
	MessagesSent    int64 `json:"messages_sent"`
	MessagesDropped int64 `json:"messages_dropped"`
	BytesSent       int64 `json:"bytes_sent"`
}

// SubscriptionInfo describes one connected client.
type SubscriptionInfo struct {
	ID       string         `json:"id"`
	Metrics  []MetricType   `json:"metrics"`
	Filters  map[string]any `json:"filters,omitempty"`
	Interval time.Duration  `json:"interval"`
}

// Hub owns websocket subscriptions and pushes metric updates to them.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	sourcesMu sync.RWMutex
	sources   map[MetricType]SourceFunc

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
	bytes   atomic.Int64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewHub(cfg Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	cfg.DefaultInterval = max(cfg.DefaultInterval, MinInterval)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	return &Hub{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sources: make(map[MetricType]SourceFunc),
		subs:    make(map[string]*subscription),
	}
}

// WithClock overrides the clock for testing.
func (h *Hub) WithClock(clock func() time.Time) *Hub {
	h.clock = clock
	return h
}

// Register sets the data source of a metric type.
func (h *Hub) Register(mt MetricType, fn SourceFunc) {
	h.sourcesMu.Lock()
	defer h.sourcesMu.Unlock()
	h.sources[mt] = fn
}

func (h *Hub) registeredTypes() []MetricType {
	h.sourcesMu.RLock()
	defer h.sourcesMu.RUnlock()

	types := make([]MetricType, 0, len(h.sources))
	for mt := range h.sources {
		types = append(types, mt)
	}
	slices.Sort(types)
	return types
}

func (h *Hub) source(mt MetricType) (SourceFunc, bool) {
	h.sourcesMu.RLock()
	defer h.sourcesMu.RUnlock()
	fn, ok := h.sources[mt]
	return fn, ok
}

func clampInterval(d time.Duration) time.Duration {
	return max(d, MinInterval)
}

// parseMetricTypes splits a comma separated list, defaulting to all.
func parseMetricTypes(s string) map[MetricType]bool {
	types := make(map[MetricType]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types[MetricType(part)] = true
		}
	}
	if len(types) == 0 {
		types[MetricAll] = true
	}
	return types
}

// ServeHTTP upgrades the request to a websocket subscription. The metrics and
// interval query parameters set the initial subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	interval := h.cfg.DefaultInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			interval = time.Duration(ms) * time.Millisecond
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := &subscription{
		id:       uuid.NewString(),
		conn:     conn,
		types:    parseMetricTypes(r.URL.Query().Get("metrics")),
		interval: clampInterval(interval),
		send:     make(chan []byte, h.cfg.QueueSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(h.cfg.InboundRate, h.cfg.InboundBurst),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Info("Stream client connected",
		slog.String("subscription", sub.id),
		slog.String("remote", r.RemoteAddr),
		slog.Duration("interval", sub.interval))

	h.sendSnapshot(sub)

	go h.writePump(sub)
	h.readPump(sub)
}

func (h *Hub) readPump(sub *subscription) {
	defer h.remove(sub)

	sub.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Stream client read failed",
					slog.String("subscription", sub.id),
					slog.String("error", err.Error()))
			}
			return
		}

		if !sub.limiter.Allow() {
			h.sendError(sub, "rate limit exceeded")
			continue
		}
		h.handleMessage(sub, data)
	}
}

func (h *Hub) writePump(sub *subscription) {
	defer h.wg.Done()
	defer sub.conn.Close()

	for {
		select {
		case <-sub.done:
			deadline := time.Now().Add(time.Second)
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case b := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.logger.Warn("Stream client write failed",
					slog.String("subscription", sub.id),
					slog.String("error", err.Error()))
				h.remove(sub)
				return
			}
			h.sent.Add(1)
			h.bytes.Add(int64(len(b)))
		}
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()

	sub.close()
	if ok {
		h.logger.Info("Stream client disconnected", slog.String("subscription", sub.id))
	}
}

func (h *Hub) encode(msg Message) ([]byte, bool) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Stream message encoding failed",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()))
		return nil, false
	}
	return b, true
}

func (h *Hub) enqueue(sub *subscription, b []byte) {
	select {
	case <-sub.done:
	case sub.send <- b:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) send(sub *subscription, msg Message) {
	if b, ok := h.encode(msg); ok {
		h.enqueue(sub, b)
	}
}

func (h *Hub) message(typ MessageType, mt MetricType, data any) Message {
	return Message{Type: typ, Timestamp: h.clock().UnixMilli(), Data: data, MetricType: mt}
}

func (h *Hub) sendSnapshot(sub *subscription) {
	data := make(map[string]any)
	for _, mt := range h.registeredTypes() {
		if fn, ok := h.source(mt); ok {
			data[string(mt)] = fn()
		}
	}
	h.send(sub, h.message(MessageSnapshot, MetricAll, data))
}

func (h *Hub) sendError(sub *subscription, msg string) {
	h.send(sub, h.message(MessageAlert, MetricAll, map[string]any{"error": msg}))
}

// Broadcast sends msg right away to every subscription interested in its
// metric type whose filters accept it.
func (h *Hub) Broadcast(msg Message) {
	b, ok := h.encode(msg)
	if !ok {
		return
	}

	for _, sub := range h.subscriptions() {
		if sub.wants(msg.MetricType) && sub.matches(b) {
			h.enqueue(sub, b)
		}
	}
}

// Publish is Broadcast paced by each subscription's interval. Subscriptions
// that received msg's metric type too recently skip it.
func (h *Hub) Publish(msg Message) {
	b, ok := h.encode(msg)
	if !ok {
		return
	}

	now := h.clock()
	for _, sub := range h.subscriptions() {
		if sub.wants(msg.MetricType) && sub.matches(b) && sub.due(msg.MetricType, now) {
			h.enqueue(sub, b)
		}
	}
}

func (h *Hub) subscriptions() []*subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

// Tick pushes an update of every wanted metric type to subscriptions whose
// interval has elapsed.
func (h *Hub) Tick() {
	now := h.clock()
	types := h.registeredTypes()

	for _, sub := range h.subscriptions() {
		for _, mt := range types {
			if !sub.wants(mt) {
				continue
			}
			fn, ok := h.source(mt)
			if !ok || !sub.due(mt, now) {
				continue
			}
			if b, ok := h.encode(h.message(MessageUpdate, mt, fn())); ok && sub.matches(b) {
				h.enqueue(sub, b)
			}
		}
	}
}

// Start runs Tick every TickInterval until Close. Calling Start twice is a
// no-op.
func (h *Hub) Start(ctx context.Context) {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Tick()
			}
		}
	}()
}

// Close stops the tick job and closes every subscription. New connections
// are refused afterwards.
func (h *Hub) Close() {
	h.lifecycleMu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}

	h.wg.Wait()
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()

	return Stats{
		Subscriptions:   n,
		MessagesSent:    h.sent.Load(),
		MessagesDropped: h.dropped.Load(),
		BytesSent:       h.bytes.Load(),
	}
}

// Subscriptions describes the connected clients.
func (h *Hub) Subscriptions() []SubscriptionInfo {
	subs := h.subscriptions()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.info())
	}
	slices.SortFunc(out, func(a, b SubscriptionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
