package endpoint

import (
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/rs/zerolog"
)

// Handler consumes one application envelope. A returned error is logged and
// never tears the connection down.
type Handler func(env protocol.Envelope) error

// Router dispatches envelopes to the default handler or a named channel.
type Router struct {
	mu       sync.RWMutex
	fallback Handler
	channels map[string]Handler
	log      zerolog.Logger
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		channels: make(map[string]Handler),
		log:      logger,
	}
}

// SetDefault replaces the handler for envelopes with a blank Channel.
func (r *Router) SetDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Add registers h under name. A blank or duplicate name fails with no effect.
func (r *Router) Add(name string, h Handler) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidChannel
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for channel %q", ErrInvalidArgument, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; ok {
		return fmt.Errorf("%w: %q", ErrChannelExists, name)
	}
	r.channels[name] = h
	return nil
}

// Remove drops the handler registered under name.
func (r *Router) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	delete(r.channels, name)
	return nil
}

func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

// Dispatch delivers env. A blank Channel goes to the default handler even
// though blank names cannot be registered.
func (r *Router) Dispatch(env protocol.Envelope) error {
	r.mu.RLock()
	var h Handler
	if env.Channel == "" {
		h = r.fallback
	} else {
		h = r.channels[env.Channel]
	}
	r.mu.RUnlock()

	if h == nil {
		if env.Channel == "" {
			r.log.Debug().Str("msg_id", env.MsgID).Msg("endpoint.router no default handler, dropped")
			return nil
		}
		err := fmt.Errorf("%w: %q", ErrChannelNotFound, env.Channel)
		r.log.Warn().Err(err).Str("msg_id", env.MsgID).Msg("endpoint.router dropped")
		return err
	}
	return r.invoke(h, env)
}

func (r *Router) invoke(h Handler, env protocol.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("endpoint: handler panic channel=%q: %v", env.Channel, p)
		}
		if err != nil {
			r.log.Warn().Err(err).Str("channel", env.Channel).Str("msg_id", env.MsgID).Msg("endpoint.router handler failed")
		}
	}()
	return h(env)
}

func (r *Router) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = nil
	r.channels = make(map[string]Handler)
}
