// Package handler serves the health, metrics, SLO and alert endpoints of a
// monitoring.Monitor, and provides the middleware that times instrumented
// requests.
package handler
