// Package logging assembles structured slog loggers and formatting helpers used
// across scormsync services.
//
// It owns the console/JSON handlers, centralizes level and output plumbing, and
// exposes context-aware helpers so upload and reconciliation code can tag log
// lines with upload IDs and correlation IDs. The package also provides a no-op
// logger for tests and wiring code that cannot fail.
package logging
