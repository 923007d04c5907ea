// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// The service is registered as "Scormsync"; request and response DTOs live in
// types.go and embed the daemon's own status types so both sides share one
// wire shape.
package ipc
