// Package main hosts the scormsync CLI entrypoint and command graph.
//
// The Cobra command tree translates terminal invocations into JSON-RPC calls
// against the daemon socket: worker control, upload intake and inspection,
// staging cleanup, progress diagnosis, and log tailing. The run command hosts
// the daemon itself in the foreground.
//
// Keep this package lean. New behavior belongs in the internal packages first
// and is surfaced here through dedicated commands or flags.
package main
