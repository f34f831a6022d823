// Package client runs the connecting side of a link: it dials a linkd server
// over TCP, TLS or WebSocket, registers, and reconnects with backoff when the
// connection is lost. Each reconnect re-registers with the same DeviceId and
// claims the previous authoritative ConnectionId.
package client
