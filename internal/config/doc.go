// Package config loads the service configuration from YAML, applies
// CALLSCORE_* environment overrides and validates every section.
package config
