// Package server implements the UDP ingest server that turns packet streams
// into engine sessions, and the HTTP server that exposes health, session,
// statistics, history and Prometheus endpoints.
package server
