package handler

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/telemetry/internal/metrics"
)

// EventSink receives one event per completed request. Observe must not block.
type EventSink interface {
	Observe(metrics.RequestEvent) bool
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Instrument times every request served by next and reports it to sink.
// The operation is the method plus the matched route pattern, falling back
// to the raw path for unmatched requests.
func Instrument(next http.Handler, sink EventSink, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("Received request",
			slog.String("from", extractClientIP(r)),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("proto", r.Proto),
			slog.String("user_agent", r.UserAgent()))

		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		route := routeOf(r)

		if !sink.Observe(metrics.RequestEvent{
			Operation:  r.Method + " " + route,
			Route:      route,
			Duration:   duration,
			StatusCode: wrapped.statusCode,
			Timestamp:  start,
		}) {
			logger.Debug("Request event dropped", slog.String("route", route))
		}
	})
}

// UnmatchedRoute labels requests no pattern matched, so arbitrary paths do
// not create new series.
const UnmatchedRoute = "unmatched"

func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return UnmatchedRoute
	}
	// Patterns carry the method as "GET /path".
	method, route, found := strings.Cut(r.Pattern, " ")
	if !found {
		return method
	}
	return route
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
