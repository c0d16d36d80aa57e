// Package hub is the client side of a length-prefixed TCP protocol that multiplexes requests and
// subscriptions over one connection per remote service.
//
// Ownership boundary:
//   - Hub owns the socket, the write lock and the transaction id generator.
//   - One reader goroutine owns the connection state, the waiter tables and reconnects.
//   - Callers own their Subscription values; callbacks run on the reader goroutine.
//
// Frames for tid 0 are system messages (heartbeats, handshake, close) and never reach the
// waiter table. Durable subscriptions are re-applied, in registration order, after every
// successful connect; calls and temporary subscriptions fail with ErrConnectionDropped instead.
package hub
