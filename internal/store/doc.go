// Package store persists scormsync state in SQLite.
//
// It owns three tables: content_packages (insert-only records created after a
// successful remote registration), progress_records (learner progress
// snapshots, referencing content_packages) and registrations (the read-only
// mirror of remote registration state). Store implements progress.Store and
// progress.RegistrationMirror, and serves as the upload coordinator's catalog.
//
// Writes retry on SQLITE_BUSY with a short capped backoff; the schema is
// embedded and versioned.
package store
