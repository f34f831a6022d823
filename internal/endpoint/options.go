package endpoint

import (
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Role selects which side of the registration handshake an endpoint plays.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

type Option func(*Endpoint)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Endpoint) {
		e.log = logger
	}
}

func WithRole(role Role) Option {
	return func(e *Endpoint) {
		if role == RoleClient || role == RoleServer {
			e.role = role
		}
	}
}

// WithRegistration makes a client endpoint send connregister as soon as it starts.
func WithRegistration(reg session.Registration) Option {
	return func(e *Endpoint) {
		e.registration = &reg
	}
}

// WithConnectionIDSource overrides how a server mints authoritative connection ids.
func WithConnectionIDSource(fn func() string) Option {
	return func(e *Endpoint) {
		if fn != nil {
			e.newConnID = fn
		}
	}
}
