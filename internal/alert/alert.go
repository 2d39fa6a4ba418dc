package alert

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultThrottle    = 5 * time.Minute
	DefaultSendTimeout = 5 * time.Second
	DefaultHistorySize = 1000

	dedupPrefixRunes = 50
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Tier selects which severities reach a channel.
type Tier int

const (
	// TierBasic channels receive every alert.
	TierBasic Tier = iota
	// TierSecondary channels receive WARNING and CRITICAL alerts.
	TierSecondary
	// TierHighTouch channels receive CRITICAL alerts only.
	TierHighTouch
)

func (t Tier) accepts(s Severity) bool {
	return s.rank() >= int(t)
}

// Notification is the input to Dispatch.
type Notification struct {
	Severity Severity
	Source   string
	Message  string
	Details  map[string]any
}

type Alert struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Channels  []string       `json:"channels"`
}

type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// DiagnosticObserver is told about every failed channel send.
type DiagnosticObserver interface {
	OnChannelError(channel string, a Alert, err error)
}

type Stats struct {
	Total      int              `json:"total"`
	LastHour   int              `json:"last_hour"`
	LastDay    int              `json:"last_day"`
	LastWeek   int              `json:"last_week"`
	BySeverity map[Severity]int `json:"by_severity"`
	BySource   map[string]int   `json:"by_source"`
	Throttled  int              `json:"throttled"`
}

type Config struct {
	Throttle    time.Duration
	SendTimeout time.Duration
	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		Throttle:    DefaultThrottle,
		SendTimeout: DefaultSendTimeout,
		HistorySize: DefaultHistorySize,
	}
}

type tieredChannel struct {
	tier    Tier
	channel Channel
}

type dedupEntry struct {
	lastSent  time.Time
	throttled int
}

// Dispatcher deduplicates notifications and fans them out to channels.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	channels  []tieredChannel
	observers []DiagnosticObserver
	seen      map[string]*dedupEntry
	recent    []Alert
	throttled int

	wg sync.WaitGroup
}

func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		seen:   make(map[string]*dedupEntry),
	}
}

// WithClock overrides the clock for testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) AddChannel(tier Tier, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, tieredChannel{tier: tier, channel: ch})
}

func (d *Dispatcher) Subscribe(obs DiagnosticObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, obs)
}

// dedupKey identifies repeats of the same notification.
func dedupKey(n Notification) string {
	msg := n.Message
	if r := []rune(msg); len(r) > dedupPrefixRunes {
		msg = string(r[:dedupPrefixRunes])
	}
	return strings.Join([]string{string(n.Severity), n.Source, msg}, "|")
}

// Dispatch records the notification and sends it to every eligible channel
// in the background. It returns false when the notification was throttled as
// a repeat seen within the throttle interval.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) (Alert, bool) {
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	now := d.clock()
	key := dedupKey(n)

	d.mu.Lock()
	d.pruneSeen(now)

	if e, ok := d.seen[key]; ok && now.Sub(e.lastSent) < d.cfg.Throttle {
		e.throttled++
		d.throttled++
		d.mu.Unlock()

		d.logger.Debug("Alert throttled",
			slog.String("severity", string(n.Severity)),
			slog.String("source", n.Source))
		return Alert{}, false
	}

	var targets []Channel
	names := []string{}
	for _, tc := range d.channels {
		if tc.tier.accepts(n.Severity) {
			targets = append(targets, tc.channel)
			names = append(names, tc.channel.Name())
		}
	}

	a := Alert{
		ID:        uuid.NewString(),
		Timestamp: now,
		Severity:  n.Severity,
		Source:    n.Source,
		Message:   n.Message,
		Details:   n.Details,
		Channels:  names,
	}

	d.seen[key] = &dedupEntry{lastSent: now}
	d.recent = append(d.recent, a)
	if over := len(d.recent) - d.cfg.HistorySize; over > 0 {
		d.recent = append([]Alert(nil), d.recent[over:]...)
	}
	observers := d.observers
	d.mu.Unlock()

	d.logger.Info("Alert dispatched",
		slog.String("id", a.ID),
		slog.String("severity", string(a.Severity)),
		slog.String("source", a.Source),
		slog.Any("channels", names))

	if len(targets) > 0 {
		d.wg.Add(1)
		go d.send(context.WithoutCancel(ctx), a, targets, observers)
	}

	return a, true
}

// pruneSeen forgets dedup keys whose throttle interval has passed.
// Callers hold d.mu.
func (d *Dispatcher) pruneSeen(now time.Time) {
	if len(d.seen) < d.cfg.HistorySize {
		return
	}
	for k, e := range d.seen {
		if now.Sub(e.lastSent) >= d.cfg.Throttle {
			delete(d.seen, k)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, a Alert, targets []Channel, observers []DiagnosticObserver) {
	defer d.wg.Done()

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			if err := ch.Send(sendCtx, a); err != nil {
				d.logger.Error("Alert channel failed",
					slog.String("channel", ch.Name()),
					slog.String("id", a.ID),
					slog.String("error", err.Error()))

				for _, obs := range observers {
					obs.OnChannelError(ch.Name(), a, err)
				}
			}
		}(ch)
	}
	wg.Wait()
}

// Wait blocks until every in-flight send has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recent returns up to n of the most recent alerts, oldest first.
func (d *Dispatcher) Recent(n int) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n <= 0 || n > len(d.recent) {
		n = len(d.recent)
	}
	out := make([]Alert, n)
	copy(out, d.recent[len(d.recent)-n:])
	return out
}

func (d *Dispatcher) Stats() Stats {
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()

	st := Stats{
		Total:      len(d.recent),
		BySeverity: map[Severity]int{SeverityInfo: 0, SeverityWarning: 0, SeverityCritical: 0},
		BySource:   make(map[string]int),
		Throttled:  d.throttled,
	}

	for _, a := range d.recent {
		age := now.Sub(a.Timestamp)
		if age < time.Hour {
			st.LastHour++
		}
		if age < 24*time.Hour {
			st.LastDay++
		}
		if age < 7*24*time.Hour {
			st.LastWeek++
		}
		st.BySeverity[a.Severity]++
		st.BySource[a.Source]++
	}

	return st
}

// Clear forgets every alert and dedup key.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen = make(map[string]*dedupEntry)
	d.recent = nil
	d.throttled = 0
}

// Test dispatches a synthetic alert through the configured channels.
func (d *Dispatcher) Test(ctx context.Context, severity Severity) (Alert, bool) {
	return d.Dispatch(ctx, Notification{
		Severity: severity,
		Source:   "test",
		Message:  "This is a test alert from the telemetry subsystem",
		Details:  map[string]any{"test": true},
	})
}
