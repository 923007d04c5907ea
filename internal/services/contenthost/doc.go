// Package contenthost is the HTTP client for the Package Registration
// Service: the external runtime that hosts SCORM packages and owns learner
// registrations.
//
// Register streams the package as a multipart body so a large zip never sits
// in memory, and reuses the caller's course ID so a repeated call after a
// lost response lands on the same remote course. Non-2xx responses surface as
// *services.StatusError so services.Classify can decide whether to retry.
package contenthost
