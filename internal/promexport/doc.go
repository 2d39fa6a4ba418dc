// Package promexport exposes the recorder, resource monitors, SLO engine and
// aggregator through a Prometheus collector on a private registry.
//
// Every sample carries the scrape timestamp. Operation names are sanitised
// to [a-zA-Z0-9_] before they are used as label values.
package promexport
