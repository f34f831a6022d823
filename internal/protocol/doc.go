// Package protocol owns the message envelope carried inside each frame.
//
// Ownership boundary:
// - envelope shape and JSON wire encoding
// - Props parsing ("key:value" / "key=value")
// - per-sender MsgId sequencing
package protocol
