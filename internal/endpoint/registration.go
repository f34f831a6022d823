package endpoint

import (
	"context"
	"fmt"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
)

// Register sends connregister from a client endpoint. It may be repeated on
// one connection; each repeat is held to the same pinning rules.
func (e *Endpoint) Register(ctx context.Context, reg session.Registration) error {
	if e.role != RoleClient {
		return fmt.Errorf("%w: register is a client operation", ErrInvalidArgument)
	}
	if e.disposed.Load() {
		return ErrDisposed
	}
	e.infoMu.Lock()
	next, err := e.info.Apply(reg)
	if err != nil {
		e.infoMu.Unlock()
		return err
	}
	e.info = next
	e.infoMu.Unlock()

	env, err := reg.Envelope(&e.seq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := e.writeEnvelope(ctx, env); err != nil {
		return err
	}
	e.log.Debug().
		Str("connection_id", reg.ConnectionID).
		Str("device_id", reg.DeviceID).
		Int("lib_version", reg.Caps.LibVersion).
		Msg("endpoint.register sent")
	return nil
}

// handleRegister validates one connregister on the server. Any failure is fatal
// for the connection. The authoritative id is adopted only after the reply
// write has succeeded.
func (e *Endpoint) handleRegister(ctx context.Context, env protocol.Envelope) error {
	role := string(e.role)
	reg, err := session.ParseRegistration(env)
	if err != nil {
		observability.RecordRegistration(role, false)
		return err
	}

	e.infoMu.Lock()
	next, err := e.info.Apply(reg)
	if err != nil {
		e.infoMu.Unlock()
		observability.RecordRegistration(role, false)
		e.log.Warn().Err(err).
			Str("connection_id", reg.ConnectionID).
			Str("device_id", reg.DeviceID).
			Msg("endpoint.register rejected")
		return err
	}
	authoritative := next.ConnectionID
	if authoritative == "" {
		authoritative = e.newConnID()
	}
	e.info = next
	e.infoMu.Unlock()

	reply := session.RegistrationReply{
		ConnectionID:      authoritative,
		PriorConnectionID: reg.ConnectionID,
	}
	replyEnv, err := reply.Envelope(&e.seq)
	if err != nil {
		return err
	}
	if err := e.writeEnvelope(ctx, replyEnv); err != nil {
		observability.RecordRegistration(role, false)
		return fmt.Errorf("connregisterreply: %w", err)
	}

	e.infoMu.Lock()
	e.info = e.info.Adopt(authoritative)
	info := e.info
	e.infoMu.Unlock()

	observability.RecordRegistration(role, true)
	e.log.Info().
		Str("connection_id", info.ConnectionID).
		Str("prior_connection_id", reg.ConnectionID).
		Str("device_id", info.DeviceID).
		Str("lib_version", info.LibVersion).
		Str("loopback", string(info.Loopback)).
		Bool("keepalive", info.KeepaliveEnabled).
		Msg("endpoint.register accepted")
	if cb := e.callbacks().onRegistered; cb != nil {
		e.safely("registered", func() { cb(info) })
	}
	return nil
}

// handleRegisterReply adopts the server's id on the client. A reply that
// changes an already adopted id is fatal.
func (e *Endpoint) handleRegisterReply(env protocol.Envelope) error {
	reply, err := session.ParseRegistrationReply(env)
	if err != nil {
		observability.RecordRegistration(string(e.role), false)
		return err
	}
	e.infoMu.Lock()
	if e.info.IsRegistered && e.info.ConnectionID != reply.ConnectionID {
		pinned := e.info.ConnectionID
		e.infoMu.Unlock()
		observability.RecordRegistration(string(e.role), false)
		return fmt.Errorf("%w: pinned=%q got=%q", session.ErrConnectionIDChanged, pinned, reply.ConnectionID)
	}
	e.info = e.info.Adopt(reply.ConnectionID)
	info := e.info
	e.infoMu.Unlock()

	observability.RecordRegistration(string(e.role), true)
	e.log.Info().
		Str("connection_id", reply.ConnectionID).
		Str("prior_connection_id", reply.PriorConnectionID).
		Msg("endpoint.register adopted")
	if cb := e.callbacks().onRegistered; cb != nil {
		e.safely("registered", func() { cb(info) })
	}
	return nil
}
