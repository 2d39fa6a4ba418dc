package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// ConsoleChannel prints a coloured banner per alert.
type ConsoleChannel struct {
	mu     sync.Mutex
	out    io.Writer
	colors map[Severity]*color.Color
}

// NewConsoleChannel writes to out. With noColor set the output is plain text.
func NewConsoleChannel(out io.Writer, noColor bool) *ConsoleChannel {
	colors := map[Severity]*color.Color{
		SeverityCritical: color.New(color.FgRed, color.Bold),
		SeverityWarning:  color.New(color.FgYellow, color.Bold),
		SeverityInfo:     color.New(color.FgCyan),
	}
	for _, c := range colors {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return &ConsoleChannel{out: out, colors: colors}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(_ context.Context, a Alert) error {
	col, ok := c.colors[a.Severity]
	if !ok {
		col = c.colors[SeverityInfo]
	}

	var b strings.Builder
	col.Fprintln(&b, rule)
	col.Fprintf(&b, "[%s] ALERT\n", a.Severity)
	col.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Time:     %s\n", a.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Source:   %s\n", a.Source)
	fmt.Fprintf(&b, "Message:  %s\n", a.Message)
	if len(a.Details) > 0 {
		details, err := json.MarshalIndent(a.Details, "", "  ")
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		fmt.Fprintf(&b, "Details:\n%s\n", details)
	}
	col.Fprintln(&b, rule)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

// WebhookPayload is the JSON body posted by WebhookChannel.
type WebhookPayload struct {
	AlertID   string         `json:"alert_id"`
	Timestamp string         `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

// WebhookChannel posts each alert as JSON. Any non-2xx response is an error.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel validates url and returns a channel posting to it. A nil
// client uses http.DefaultClient.
func NewWebhookChannel(name, url string, client *http.Client) (*WebhookChannel, error) {
	if err := validation.Validate(url, validation.Required, is.URL); err != nil {
		return nil, fmt.Errorf("webhook %s url: %w", name, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{name: name, url: url, client: client}, nil
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(WebhookPayload{
		AlertID:   a.ID,
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339Nano),
		Severity:  a.Severity,
		Source:    a.Source,
		Message:   a.Message,
		Details:   a.Details,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "telemetry-alerts/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", w.name, resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to a structured logger.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	l.logger.Log(ctx, level, a.Message,
		slog.String("alert_id", a.ID),
		slog.String("severity", string(a.Severity)),
		slog.String("source", a.Source),
		slog.Any("details", a.Details))
	return nil
}
