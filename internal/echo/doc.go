// Package echo is a small in-process peer for the hub protocol.
//
// It serves a fixed set of service paths (echo, void, ticks, twice, delay), answers client
// heartbeats and close handshakes, and exposes controls tests use to drop connections, go
// silent, or push server-initiated heartbeats and ticks.
package echo
