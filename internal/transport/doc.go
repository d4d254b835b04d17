// Package transport binds the TCF codec to concrete connections.
//
// Ownership boundary:
// - TCP and TLS streams with escape framing
// - WebSocket packet streams, one binary message per flush
// - in-memory pipes for tests and in-process agents
// - dial timeouts, retry backoff, transport security validation
package transport
