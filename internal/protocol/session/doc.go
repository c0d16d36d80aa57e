// Package session owns connection-establishment helpers shared by hub clients.
//
// Ownership boundary:
// - retry/backoff primitives for the connect loop
// - session identity and the handshake document written before a socket is published
package session
