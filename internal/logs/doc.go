// Package logs tails the daemon log file for `scormsync logs`.
//
// Reads are bounded per line, resume from byte offsets, and can wait briefly
// for new output so the CLI can follow the log over repeated IPC calls.
package logs
