// Package metrics provides Prometheus instrumentation and health endpoints
// for the hub.
//
// Counters and histograms cover the task lifecycle (created, claimed,
// finished, recovered), progress and artifact volume, driver wall-clock
// time, and API latency. The Collector refreshes per-status task gauges
// from the store on a fixed interval.
//
// Health is probe-based: each storage backend registers a Pinger and
// /health runs a bounded deep check against all of them, returning 503 if
// any store is unreachable. The liveness handler answers as long as the
// process runs and never touches a backend.
package metrics
