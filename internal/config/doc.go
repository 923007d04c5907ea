// Package config loads, normalizes, and validates scormsync configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies SCORMSYNC_* environment overrides.
// The Config type centralizes every knob the daemon and CLI need: staging and
// state directories, the registration worker's retry policy, orphan sweep
// timing, the content host endpoint, and the progress backend.
//
// Always obtain settings through this package so downstream code receives
// expanded paths, clamped durations, and clear validation errors.
package config
