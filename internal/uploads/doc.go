// Package uploads moves staged SCORM packages to the Package Registration
// Service without blocking the request that received them.
//
// A Coordinator owns one background worker per process. Enqueue appends a
// submission to an in-memory FIFO and returns at once; the worker registers
// each package remotely, records the resulting content package in the
// catalog and releases the staged file. Retryable failures are parked with a
// capped exponential delay and re-appended at the tail of the FIFO when due,
// so a stalled package never starves the rest of the queue. Permanent
// failures keep their staged file for the orphan sweep.
//
// The course ID for a submission is derived once at enqueue time and reused
// on every attempt, making repeated registration calls safe when the remote
// service accepted an earlier attempt whose response was lost.
package uploads
