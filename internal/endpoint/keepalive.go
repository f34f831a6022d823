package endpoint

import (
	"context"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/schema"
)

// pollInterval is the lifecycle wake period.
func (e *Endpoint) pollInterval() time.Duration {
	poll := e.cfg.KeepalivePoll
	if e.cfg.PingInterval > 0 && e.cfg.PingInterval < poll {
		poll = e.cfg.PingInterval
	}
	return poll
}

// lifecycle blocks for the connection's life, waking on a fixed interval.
func (e *Endpoint) lifecycle(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if !e.recv.State().Terminal() {
				e.terminate(StateClosed, nil)
			}
			return
		case now := <-ticker.C:
			if !e.supervise(ctx, now) {
				return
			}
		}
	}
}

// supervise runs one keepalive pass. It reports false once the connection
// has been unwound.
func (e *Endpoint) supervise(ctx context.Context, now time.Time) bool {
	if e.recv.State().Terminal() {
		return false
	}
	if e.silent(now) {
		e.log.Warn().
			Time("last_received", e.recv.LastReceived()).
			Dur("dead_after", e.cfg.DeadClientAfter).
			Msg("endpoint.keepalive peer silent")
		e.terminate(StateError, ErrSilent)
		return false
	}
	if e.pingDue(now) {
		if err := e.sendReserved(ctx, schema.MsgPing); err != nil {
			e.log.Debug().Err(err).Msg("endpoint.keepalive ping not sent")
		}
	}
	return true
}

// silent applies the dead-client rule: only when chatty clients are required
// and the peer did not register with keepalive off.
func (e *Endpoint) silent(now time.Time) bool {
	if !e.cfg.RequireChattyClients {
		return false
	}
	if !e.Info().KeepaliveEnabled {
		return false
	}
	last := e.recv.LastReceived()
	if last.IsZero() {
		last = time.Unix(0, e.startedAt.Load())
	}
	return now.Sub(last) > e.cfg.DeadClientAfter
}

func (e *Endpoint) pingDue(now time.Time) bool {
	if e.cfg.PingInterval <= 0 || !e.Info().KeepaliveEnabled {
		return false
	}
	last := e.send.LastSent()
	if last.IsZero() {
		last = time.Unix(0, e.startedAt.Load())
	}
	return now.Sub(last) >= e.cfg.PingInterval
}
