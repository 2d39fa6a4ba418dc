package monitoring

import (
	"context"
	"fmt"

	"github.com/angeloszaimis/telemetry/internal/alert"
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/slo"
)

// alertBridge turns health, circuit and SLO events into alerts and feeds
// component availability into the SLO engine.
type alertBridge struct {
	dispatcher *alert.Dispatcher
	slo        *slo.Engine
}

var (
	_ healthcheck.Observer    = (*alertBridge)(nil)
	_ circuitbreaker.Observer = (*alertBridge)(nil)
	_ slo.TransitionObserver  = (*alertBridge)(nil)
)

func (b *alertBridge) dispatch(n alert.Notification) {
	b.dispatcher.Dispatch(context.Background(), n)
}

// OnAssessment records one availability sample per known assessment. A
// critical component counts as unavailable with the component as reason.
func (b *alertBridge) OnAssessment(a healthcheck.Assessment) {
	if !a.Known() {
		return
	}
	b.slo.RecordAvailability(!a.Critical(), a.Component)
}

func (b *alertBridge) OnCritical(a healthcheck.Assessment) {
	b.dispatch(alert.Notification{
		Severity: alert.SeverityCritical,
		Source:   a.Component,
		Message:  fmt.Sprintf("%s health critical", a.Component),
		Details: map[string]any{
			"score":           a.Score,
			"issues":          a.Issues,
			"recommendations": a.Recommendations,
		},
	})
}

func (b *alertBridge) OnStateChange(ev circuitbreaker.StateChange) {
	severity := alert.SeverityWarning
	switch ev.To {
	case circuitbreaker.StateOpen:
		severity = alert.SeverityCritical
	case circuitbreaker.StateClosed:
		severity = alert.SeverityInfo
	}

	b.dispatch(alert.Notification{
		Severity: severity,
		Source:   circuitbreaker.Component,
		Message:  fmt.Sprintf("circuit %s %s -> %s", ev.Name, ev.From, ev.To),
		Details: map[string]any{
			"circuit":      ev.Name,
			"reason":       ev.Reason,
			"failure_rate": ev.Metrics.FailureRate,
		},
	})
}

// OnThresholdAlert uses one message per circuit; measured values go to
// details.
func (b *alertBridge) OnThresholdAlert(name string, breaches []circuitbreaker.Breach) {
	kinds := make([]string, 0, len(breaches))
	summary := make([]string, 0, len(breaches))
	for _, br := range breaches {
		kinds = append(kinds, string(br.Kind))
		summary = append(summary, br.String())
	}

	b.dispatch(alert.Notification{
		Severity: alert.SeverityWarning,
		Source:   circuitbreaker.Component,
		Message:  fmt.Sprintf("circuit %s thresholds breached", name),
		Details: map[string]any{
			"circuit":  name,
			"kinds":    kinds,
			"breaches": breaches,
			"summary":  summary,
		},
	})
}

func (b *alertBridge) OnTransition(t slo.Transition) {
	severity := alert.SeverityWarning
	switch t.To {
	case slo.LevelCritical:
		severity = alert.SeverityCritical
	case slo.LevelOK:
		severity = alert.SeverityInfo
	}

	b.dispatch(alert.Notification{
		Severity: severity,
		Source:   "slo",
		Message:  fmt.Sprintf("SLO %s is %s", t.Status.Name, t.To),
		Details: map[string]any{
			"objective":  string(t.Objective),
			"current":    t.Status.Current,
			"target":     t.Status.Target,
			"remaining":  t.Status.Remaining,
			"violations": t.Violations,
		},
	})
}
