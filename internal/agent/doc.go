// Package agent runs a TCF agent: channel listeners over TCP, TLS and
// WebSocket, the peer registry behind the Locator service, redirect dialing,
// and an admin HTTP surface.
package agent
