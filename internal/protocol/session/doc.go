// Package session owns per-connection protocol state shared by both sides.
//
// Ownership boundary:
// - session/transport tunables and their defaults
// - connregister / connregisterreply payloads and validation
// - ClientInfo identity pinning and the ConnectionEntry projection
// - reconnect backoff primitives
package session
