package healthcheck

import "time"

// Summary combines component assessments into one system view.
type Summary struct {
	Status     Status                `json:"status"`
	Score      float64               `json:"score"`
	Components map[string]Assessment `json:"components"`
	Issues     []string              `json:"issues"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Combine averages the scores of known components. Any critical component
// makes the system critical; a degraded or failing one makes it degraded.
// Unknown components are reported but never affect the result.
func Combine(now time.Time, assessments ...Assessment) Summary {
	s := Summary{
		Status:     StatusUnknown,
		Components: make(map[string]Assessment, len(assessments)),
		Issues:     []string{},
		Timestamp:  now,
	}

	var (
		total    float64
		known    int
		critical bool
		degraded bool
	)

	for _, a := range assessments {
		s.Components[a.Component] = a
		if !a.Known() {
			continue
		}

		known++
		total += a.Score
		for _, issue := range a.Issues {
			s.Issues = append(s.Issues, a.Component+": "+issue)
		}

		switch a.Status {
		case StatusCritical:
			critical = true
		case StatusDegraded, StatusFailing:
			degraded = true
		}
	}

	if known == 0 {
		return s
	}

	s.Score = total / float64(known)
	switch {
	case critical:
		s.Status = StatusCritical
	case degraded:
		s.Status = StatusDegraded
	default:
		s.Status = StatusHealthy
	}

	return s
}
