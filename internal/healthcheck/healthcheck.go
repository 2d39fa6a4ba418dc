package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultInterval = 5 * time.Second

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
	StatusCritical Status = "critical"
	StatusOptimal  Status = "optimal"
	StatusGood     Status = "good"
	StatusUnknown  Status = "unknown"
)

// Band maps a minimum score to a status.
type Band struct {
	Min    float64
	Status Status
}

// Classify returns the status of the first band whose minimum score is met.
// Bands must be ordered from highest to lowest; below the last band the
// status is critical.
func Classify(score float64, bands ...Band) Status {
	for _, b := range bands {
		if score >= b.Min {
			return b.Status
		}
	}
	return StatusCritical
}

// Assessment is the result of evaluating one component.
type Assessment struct {
	Component       string    `json:"component"`
	Status          Status    `json:"status"`
	Score           float64   `json:"score"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

func (a Assessment) Critical() bool {
	return a.Status == StatusCritical
}

func (a Assessment) Known() bool {
	return a.Status != StatusUnknown && a.Status != ""
}

// Unknown builds the assessment returned when nothing is attached to an assessor.
func Unknown(component string, score float64, issue string, now time.Time) Assessment {
	return Assessment{
		Component:       component,
		Status:          StatusUnknown,
		Score:           score,
		Issues:          []string{issue},
		Recommendations: []string{},
		Timestamp:       now,
	}
}

type Assessor interface {
	Name() string
	Assess() Assessment
}

// Observer is notified after each evaluation. OnCritical is called in
// addition to OnAssessment when a component is critical.
type Observer interface {
	OnAssessment(Assessment)
	OnCritical(Assessment)
}

// Loop periodically re-evaluates a fixed set of assessors.
type Loop struct {
	assessors []Assessor
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	observers []Observer
	latest    map[string]Assessment
}

func NewLoop(interval time.Duration, logger *slog.Logger, assessors ...Assessor) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		assessors: assessors,
		interval:  interval,
		logger:    logger,
		latest:    make(map[string]Assessment),
	}
}

func (l *Loop) Subscribe(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

// Run evaluates every assessor each interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Health loop stopped")
			return

		case <-ticker.C:
			l.RunOnce()
		}
	}
}

// RunOnce evaluates every assessor, records the results and notifies observers.
func (l *Loop) RunOnce() []Assessment {
	results := make([]Assessment, 0, len(l.assessors))

	for _, a := range l.assessors {
		assessment := a.Assess()
		results = append(results, assessment)

		l.mu.Lock()
		prev, seen := l.latest[a.Name()]
		l.latest[a.Name()] = assessment
		observers := l.observers
		l.mu.Unlock()

		if seen && prev.Status != assessment.Status {
			l.logger.Info("Component status changed",
				slog.String("component", a.Name()),
				slog.String("from", string(prev.Status)),
				slog.String("to", string(assessment.Status)),
				slog.Float64("score", assessment.Score))
		}

		for _, obs := range observers {
			obs.OnAssessment(assessment)
			if assessment.Critical() {
				obs.OnCritical(assessment)
			}
		}
	}

	return results
}

// Latest returns the most recent assessment of every component.
func (l *Loop) Latest() map[string]Assessment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Assessment, len(l.latest))
	for k, v := range l.latest {
		out[k] = v
	}
	return out
}

func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = make(map[string]Assessment)
}
