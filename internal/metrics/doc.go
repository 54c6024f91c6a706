// Package metrics exposes Prometheus instrumentation for the UDP ingest
// path, the analysis engine and the HTTP API.
package metrics
