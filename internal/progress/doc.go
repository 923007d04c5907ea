// Package progress detects and repairs drift between a learner's locally
// persisted progress record and the authoritative registration mirror.
//
// Diagnose is a pure comparison that yields typed Issues; Reconcile applies
// monotonic fixes; Reconciler.BatchScan walks a Store page by page and counts
// per-record failures instead of aborting. Backends implement Store and
// RegistrationMirror (see internal/store and internal/store/redisprogress).
package progress
