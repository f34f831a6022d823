package endpoint

import (
	"context"
	"io"
	"time"
)

// Transport is the narrow byte-stream surface the engine runs on.
type Transport interface {
	Connected() bool
	Reader() io.Reader
	// Send writes one complete frame; deadline bounds the write.
	Send(frame []byte, deadline time.Time) error
	Close() error
	// NeedsReceiveLoop is false for push transports whose owner calls Deliver.
	NeedsReceiveLoop() bool
	// AfterConnect runs once before traffic flows (e.g. a server TLS handshake).
	AfterConnect(ctx context.Context) error
	RemoteAddr() string
}
