// Package daemon coordinates the long-running scormsync process.
//
// It wires configuration, the staging store and its orphan sweeper, the
// upload coordinator with its health loop, and the optional progress
// reconcile scheduler into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon owns the intake path shared by the
// HTTP API and the CLI: free-space preflight, Allocate, Persist, Enqueue.
//
// Keep orchestration logic here: registration, staging, and progress rules
// live in their own packages while the daemon focuses on startup, shutdown,
// and high level coordination.
package daemon
