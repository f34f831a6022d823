package endpoint

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// sender serializes every physical write through one slot.
type sender struct {
	transport    Transport
	gate         chan struct{}
	allow        atomic.Bool
	maxPayload   int
	writeTimeout time.Duration
	lastSent     atomic.Int64
}

func newSender(t Transport, maxPayload int, writeTimeout time.Duration) *sender {
	return &sender{
		transport:    t,
		gate:         make(chan struct{}, 1),
		maxPayload:   maxPayload,
		writeTimeout: writeTimeout,
	}
}

// encode marshals env and enforces the frame limit before any write.
func (s *sender) encode(env protocol.Envelope) ([]byte, error) {
	if len(env.Data) > s.maxPayload {
		return nil, fmt.Errorf("%w: data=%d max=%d", ErrTooLarge, len(env.Data), s.maxPayload)
	}
	payload, err := protocol.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(payload) > s.maxPayload {
		return nil, fmt.Errorf("%w: encoded=%d max=%d", ErrTooLarge, len(payload), s.maxPayload)
	}
	return payload, nil
}

// write sends one payload as a frame. Waiters for the slot honor ctx.
func (s *sender) write(ctx context.Context, payload []byte) error {
	if !s.allow.Load() {
		return ErrSendNotAllowed
	}
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	// The flag may have dropped while this caller waited for the slot.
	if !s.allow.Load() {
		return ErrSendNotAllowed
	}
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.transport.Send(frame.Encode(payload), deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.lastSent.Store(time.Now().UnixNano())
	return nil
}

// LastSent is zero until the first successful write.
func (s *sender) LastSent() time.Time {
	n := s.lastSent.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
