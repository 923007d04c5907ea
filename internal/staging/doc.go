// Package staging owns the temporary on-disk area where uploaded content
// packages wait for remote registration.
//
// Store hands out collision-free paths, streams uploads to disk in bounded
// chunks, and tracks every pending file in a mutex-guarded table. Sweeper runs
// SweepOrphans on an interval so files abandoned by crashes or failed
// registrations are eventually reclaimed.
package staging
