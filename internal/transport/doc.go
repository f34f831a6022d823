// Package transport adapts concrete byte streams to the endpoint engine.
//
// Ownership boundary:
// - TCP connections (plain or TLS), dial and listen helpers
// - WebSocket connections carrying the frame stream in binary messages
// - transport security policy validation
package transport
