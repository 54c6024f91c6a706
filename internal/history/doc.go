// Package history records finalized attempts in SQLite so scores can be
// reviewed per master call after the session is gone.
package history
