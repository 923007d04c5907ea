// Package services defines shared utilities consumed by the upload coordinator,
// the staging store and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp upload IDs and correlation identifiers for
//     logging.
//   - Structured error markers plus the Wrap helper, and Classify, which turns
//     any failure into a retryable/permanent/canceled decision.
//
// Integrations with remote systems live in subpackages (contenthost).
package services
