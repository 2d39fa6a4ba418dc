package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const maxHistoryMinutes = 60

type historyResponse struct {
	Current Snapshot   `json:"current"`
	History []Snapshot `json:"history"`
	Minutes int        `json:"minutes"`
}

// SnapshotHandler serves the current snapshot plus stored history for the
// last ?minutes= minutes (default 5, max 60).
func (r *Recorder) SnapshotHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		minutes := 5
		if raw := req.URL.Query().Get("minutes"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				minutes = min(n, maxHistoryMinutes)
			}
		}

		resp := historyResponse{
			Current: r.Capture(),
			History: r.History(time.Duration(minutes) * time.Minute),
			Minutes: minutes,
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("Failed to encode snapshot", slog.String("error", err.Error()))
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
	}
}
