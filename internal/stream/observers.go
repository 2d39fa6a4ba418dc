package stream

import (
	"github.com/angeloszaimis/telemetry/internal/circuitbreaker"
	"github.com/angeloszaimis/telemetry/internal/healthcheck"
	"github.com/angeloszaimis/telemetry/internal/metrics"
	"github.com/angeloszaimis/telemetry/internal/slo"
)

var (
	_ healthcheck.Observer     = (*Hub)(nil)
	_ circuitbreaker.Observer  = (*Hub)(nil)
	_ metrics.SnapshotObserver = (*Hub)(nil)
	_ slo.TransitionObserver   = (*Hub)(nil)
)

func (h *Hub) alert(mt MetricType, data map[string]any) {
	h.Broadcast(h.message(MessageAlert, mt, data))
}

func (h *Hub) OnAssessment(healthcheck.Assessment) {}

// OnCritical pushes a critical assessment to subscribers of its component.
func (h *Hub) OnCritical(a healthcheck.Assessment) {
	h.alert(MetricType(a.Component), map[string]any{
		"severity":  "critical",
		"component": a.Component,
		"health":    a,
	})
}

func (h *Hub) OnStateChange(ev circuitbreaker.StateChange) {
	h.alert(MetricCircuitBreaker, map[string]any{
		"severity":  "warning",
		"component": circuitbreaker.Component,
		"event":     ev,
	})
}

func (h *Hub) OnThresholdAlert(name string, breaches []circuitbreaker.Breach) {
	h.alert(MetricCircuitBreaker, map[string]any{
		"severity":  "warning",
		"component": circuitbreaker.Component,
		"circuit":   name,
		"breaches":  breaches,
	})
}

func (h *Hub) OnSnapshot(s metrics.Snapshot) {
	h.Publish(h.message(MessageUpdate, MetricPerformance, s))
}

func (h *Hub) OnTransition(t slo.Transition) {
	severity := "warning"
	switch t.To {
	case slo.LevelCritical:
		severity = "critical"
	case slo.LevelOK:
		severity = "info"
	}

	h.alert(MetricSLO, map[string]any{
		"severity":   severity,
		"component":  string(t.Objective),
		"from":       t.From,
		"to":         t.To,
		"status":     t.Status,
		"violations": t.Violations,
	})
}
