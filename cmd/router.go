package main

import (
	"log/slog"
	"net/http"

	"github.com/angeloszaimis/telemetry/config"
	"github.com/angeloszaimis/telemetry/internal/handler"
	"github.com/angeloszaimis/telemetry/internal/monitoring"
)

// setupRouter mounts the query API behind request instrumentation. The
// stream endpoint stays outside it so long-lived sessions are not recorded
// as request latency.
func setupRouter(h *handler.Handler, mon *monitoring.Monitor, stream config.StreamConfig, log *slog.Logger) *http.ServeMux {
	api := http.NewServeMux()
	h.Register(api)

	mux := http.NewServeMux()
	if stream.Enabled {
		mux.Handle(stream.Path, mon.Stream)
	}
	mux.Handle("/", handler.Instrument(api, mon, log))

	return mux
}
