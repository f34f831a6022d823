package endpoint

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/edgelink/internal/transport"
)

// receiver owns the receive loop state and the inbound health counters.
type receiver struct {
	mu    sync.Mutex
	state State
	cause error

	count    atomic.Uint64
	lastRecv atomic.Int64
}

func (r *receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cause is the error that ended the loop, nil for a local stop.
func (r *receiver) Cause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

// begin arms the loop. Legal only from Initialized.
func (r *receiver) begin() (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInitialized {
		return r.state, false
	}
	r.state = StateNewlyOpened
	return StateInitialized, true
}

// markDecoded records one fully valid frame and promotes NewlyOpened to Open.
func (r *receiver) markDecoded(now time.Time) (promoted bool) {
	r.count.Add(1)
	r.lastRecv.Store(now.UnixNano())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateNewlyOpened {
		r.state = StateOpen
		return true
	}
	return false
}

// finish moves to a terminal state. A local Closed from Initialized is a
// no-op, and an existing terminal state is never overwritten.
func (r *receiver) finish(to State, cause error) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state
	if from.Terminal() {
		return from, false
	}
	if from == StateInitialized && to == StateClosed {
		return from, false
	}
	r.state = to
	r.cause = cause
	return from, true
}

func (r *receiver) Count() uint64 {
	return r.count.Load()
}

// LastReceived is zero until the first valid frame.
func (r *receiver) LastReceived() time.Time {
	n := r.lastRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// classifyReadErr decides which terminal state a receive failure lands in.
func classifyReadErr(ctx context.Context, err error) State {
	if ctx.Err() != nil {
		return StateClosed
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return StateLost
	default:
		// Framing faults (oversize, bad length, stall, truncation) land here too.
		return StateError
	}
}
