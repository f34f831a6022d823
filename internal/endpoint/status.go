package endpoint

import (
	"context"
	"errors"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
)

var (
	ErrAlreadyStarted  = errors.New("endpoint: already started")
	ErrNotStarted      = errors.New("endpoint: not started")
	ErrDisposed        = errors.New("endpoint: disposed")
	ErrSendNotAllowed  = errors.New("endpoint: send not allowed")
	ErrTooLarge        = errors.New("endpoint: message too large")
	ErrTransport       = errors.New("endpoint: transport failure")
	ErrSilent          = errors.New("endpoint: peer silent past dead-client timeout")
	ErrChannelExists   = errors.New("endpoint: channel already registered")
	ErrChannelNotFound = errors.New("endpoint: channel not registered")
	ErrInvalidChannel  = errors.New("endpoint: invalid channel name")
	ErrInvalidArgument = errors.New("endpoint: invalid argument")
)

// Code is the stable status code reported for one failure family.
type Code int

const (
	CodeOK        Code = 0
	CodeState     Code = -1
	CodeDisposed  Code = -2
	CodeNoSend    Code = -3
	CodeTooLarge  Code = -4
	CodeTransport Code = -5
	CodeFraming   Code = -6
	CodeProtocol  Code = -7
	CodeChannel   Code = -8
	CodeArgument  Code = -9
	CodeTimeout   Code = -10
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeState:
		return "state"
	case CodeDisposed:
		return "disposed"
	case CodeNoSend:
		return "send_not_allowed"
	case CodeTooLarge:
		return "too_large"
	case CodeTransport:
		return "transport"
	case CodeFraming:
		return "framing"
	case CodeProtocol:
		return "protocol"
	case CodeChannel:
		return "channel"
	case CodeArgument:
		return "argument"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CodeOf maps err to its family code. Unrecognized errors report CodeTransport.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrAlreadyStarted), errors.Is(err, ErrNotStarted):
		return CodeState
	case errors.Is(err, ErrDisposed):
		return CodeDisposed
	case errors.Is(err, ErrSendNotAllowed):
		return CodeNoSend
	case errors.Is(err, ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, frame.ErrPayloadTooLarge),
		errors.Is(err, frame.ErrInvalidLength),
		errors.Is(err, frame.ErrStalled):
		return CodeFraming
	case errors.Is(err, protocol.ErrMalformedEnvelope),
		errors.Is(err, protocol.ErrMissingType),
		errors.Is(err, protocol.ErrInvalidTime),
		isRegistrationErr(err):
		return CodeProtocol
	case errors.Is(err, ErrChannelExists),
		errors.Is(err, ErrChannelNotFound),
		errors.Is(err, ErrInvalidChannel):
		return CodeChannel
	case errors.Is(err, ErrInvalidArgument):
		return CodeArgument
	case errors.Is(err, ErrSilent),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeTransport
	}
}

func isRegistrationErr(err error) bool {
	for _, target := range []error{
		session.ErrInvalidRegistration,
		session.ErrInvalidRegistrationReply,
		session.ErrMissingIdentity,
		session.ErrConnectionIDChanged,
		session.ErrDeviceIDChanged,
		session.ErrInvalidLibVersion,
		session.ErrMissingAppIdentity,
		session.ErrAppIDChanged,
		session.ErrLibVersionDowngrade,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// State is the receive loop state.
type State int32

const (
	StateInitialized State = iota
	StateNewlyOpened
	StateOpen
	StateClosed
	StateLost
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateNewlyOpened:
		return "NewlyOpened"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateLost:
		return "Lost"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateLost || s == StateError
}

// ConnStatus is the lifecycle's coarse, one-way view of the connection.
type ConnStatus int32

const (
	ConnPending ConnStatus = iota
	ConnOpen
	ConnClosed
	ConnLost
	ConnError
)

func (s ConnStatus) String() string {
	switch s {
	case ConnPending:
		return "pending"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	case ConnLost:
		return "lost"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnStatus) Terminal() bool {
	return s >= ConnClosed
}

func connStatusFor(s State) ConnStatus {
	switch s {
	case StateNewlyOpened, StateOpen:
		return ConnOpen
	case StateClosed:
		return ConnClosed
	case StateLost:
		return ConnLost
	case StateError:
		return ConnError
	default:
		return ConnPending
	}
}
