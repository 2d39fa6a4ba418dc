// Package slo evaluates four service level objectives over independent
// rolling windows: availability (30 days), P95 latency (24 hours), error rate
// (7 days) and per-deployment compliance (last 100 records).
//
// Samples are appended by the Record methods. A sample that breaches the
// static target recomputes its objective at once; everything else is picked
// up by the periodic job started with Engine.Start. Only level changes are
// reported to TransitionObservers.
package slo
