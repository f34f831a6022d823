package protocol

import "errors"

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrMissingType       = errors.New("protocol: missing message type")
	ErrInvalidTime       = errors.New("protocol: invalid sent time")
)
