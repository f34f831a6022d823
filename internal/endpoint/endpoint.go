package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var instances atomic.Uint64

// Message is one outgoing application message.
type Message struct {
	MessageType   string
	Data          string
	Channel       string
	Scope         string
	CorrelationID string
	Props         protocol.Props
}

type callbacks struct {
	onRaw        func(payload []byte)
	onLost       func(state State, cause error)
	onRegistered func(info session.ClientInfo)
	onStatus     func(from, to State)
}

// Endpoint is the protocol engine for exactly one connection.
type Endpoint struct {
	cfg       session.Config
	role      Role
	transport Transport
	log       zerolog.Logger
	serial    uint64
	limits    frame.Limits
	seq       protocol.Sequence
	newConnID func() string

	recv   receiver
	send   *sender
	router *Router

	cbMu sync.RWMutex
	cbs  callbacks

	infoMu       sync.RWMutex
	info         session.ClientInfo
	registration *session.Registration

	statusMu   sync.Mutex
	connStatus ConnStatus

	started      atomic.Bool
	disposed     atomic.Bool
	startedAt    atomic.Int64
	termMu       sync.Mutex
	teardownOnce sync.Once
	deliverMu    sync.Mutex

	ctxMu      sync.Mutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	recvCancel context.CancelFunc
	recvDone   chan struct{}
	done       chan struct{}
}

// New wraps t. cfg is completed with defaults; the endpoint is a server unless
// WithRole says otherwise.
func New(t Transport, cfg session.Config, opts ...Option) *Endpoint {
	cfg = cfg.WithDefaults()
	e := &Endpoint{
		cfg:       cfg,
		role:      RoleServer,
		transport: t,
		log:       zerolog.Nop(),
		serial:    instances.Add(1),
		limits:    frame.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		newConnID: uuid.NewString,
		info:      session.NewClientInfo(time.Now()),
		recvDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("role", string(e.role)).Uint64("serial", e.serial).Logger()
	e.router = NewRouter(e.log)
	e.send = newSender(t, e.limits.MaxPayloadBytes, cfg.WriteTimeout)
	return e
}

// Start arms the receive loop and the lifecycle loop. ctx bounds the
// connection's life: cancelling it stops the endpoint locally.
func (e *Endpoint) Start(ctx context.Context) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	if e.transport == nil {
		return fmt.Errorf("%w: nil transport", ErrInvalidArgument)
	}
	if e.registration != nil {
		if err := e.registration.Validate(); err != nil {
			return err
		}
	}
	if !e.transport.Connected() {
		return fmt.Errorf("%w: transport not connected", ErrTransport)
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	hsCtx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	err := e.transport.AfterConnect(hsCtx)
	cancel()
	if err != nil {
		e.log.Warn().Err(err).Str("remote", e.transport.RemoteAddr()).Msg("endpoint.Start post-connect failed")
		e.setConnStatus(ConnError)
		e.teardownOnce.Do(e.teardown)
		return fmt.Errorf("%w: post-connect: %v", ErrTransport, err)
	}

	lifeCtx, lifeCancel := context.WithCancel(ctx)
	recvCtx, recvCancel := context.WithCancel(lifeCtx)
	e.ctxMu.Lock()
	e.lifeCtx, e.lifeCancel, e.recvCancel = lifeCtx, lifeCancel, recvCancel
	e.ctxMu.Unlock()

	now := time.Now()
	e.startedAt.Store(now.UnixNano())
	e.infoMu.Lock()
	e.info.ConnectionTimeUTC = now.UTC()
	e.infoMu.Unlock()

	from, ok := e.recv.begin()
	if !ok {
		lifeCancel()
		return ErrDisposed
	}
	e.setConnStatus(ConnOpen)
	e.send.allow.Store(true)
	observability.ConnectionOpened(string(e.role))
	e.fireStatus(e.callbacks(), from, StateNewlyOpened)
	e.log.Debug().Str("remote", e.transport.RemoteAddr()).Msg("endpoint.Start opened")

	if e.transport.NeedsReceiveLoop() {
		go e.receiveLoop(recvCtx)
	} else {
		close(e.recvDone)
	}
	go e.lifecycle(lifeCtx)

	if e.registration != nil {
		if err := e.Register(ctx, *e.registration); err != nil {
			e.terminate(StateError, err)
			return err
		}
	}
	return nil
}

// Stop closes the connection locally. It is idempotent and never raises the
// lost-connection callback.
func (e *Endpoint) Stop() error {
	e.terminate(StateClosed, nil)
	return nil
}

// Done is closed once teardown has finished.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Send frames one application message. Reserved message types are refused.
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	if e.disposed.Load() {
		return e.rejected(ErrDisposed)
	}
	msgType := strings.TrimSpace(msg.MessageType)
	if msgType == "" {
		return e.rejected(protocol.ErrMissingType)
	}
	if schema.IsReserved(msgType) {
		return e.rejected(fmt.Errorf("%w: reserved message type %q", ErrInvalidArgument, msgType))
	}
	env := protocol.NewEnvelope(&e.seq, msgType, msg.Data)
	env.Channel = msg.Channel
	env.Scope = msg.Scope
	env.Props = append(env.Props, msg.Props...)
	if msg.CorrelationID != "" {
		env.Props = env.Props.With(schema.PropCorrelationID, msg.CorrelationID)
	}
	return e.writeEnvelope(ctx, env)
}

// Heartbeat writes one zero-length frame.
func (e *Endpoint) Heartbeat(ctx context.Context) error {
	if e.disposed.Load() {
		return e.rejected(ErrDisposed)
	}
	return e.writePayload(ctx, nil)
}

func (e *Endpoint) writeEnvelope(ctx context.Context, env protocol.Envelope) error {
	payload, err := e.send.encode(env)
	if err != nil {
		return e.rejected(err)
	}
	return e.writePayload(ctx, payload)
}

func (e *Endpoint) writePayload(ctx context.Context, payload []byte) error {
	if err := e.send.write(ctx, payload); err != nil {
		if errors.Is(err, ErrSendNotAllowed) {
			return e.rejected(err)
		}
		return err
	}
	observability.RecordFrameOut(string(e.role), len(payload))
	return nil
}

func (e *Endpoint) rejected(err error) error {
	observability.RecordSendRejection(string(e.role), int(CodeOf(err)))
	return err
}

func (e *Endpoint) sendReserved(ctx context.Context, messageType string) error {
	env := protocol.NewEnvelope(&e.seq, messageType, "")
	return e.writeEnvelope(ctx, env)
}

// AddChannel registers a named channel handler.
func (e *Endpoint) AddChannel(name string, h Handler) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	return e.router.Add(name, h)
}

func (e *Endpoint) RemoveChannel(name string) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	return e.router.Remove(name)
}

// OnMessage sets the handler for application envelopes with a blank Channel.
func (e *Endpoint) OnMessage(h Handler) {
	e.router.SetDefault(h)
}

// OnRawMessage receives the raw payload of every application envelope.
func (e *Endpoint) OnRawMessage(fn func(payload []byte)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbs.onRaw = fn
}

// OnLost fires at most once, when a break is detected (Lost or Error).
func (e *Endpoint) OnLost(fn func(state State, cause error)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbs.onLost = fn
}

// OnRegistered fires after the peer has been sent (server) or has sent
// (client) the authoritative connection id.
func (e *Endpoint) OnRegistered(fn func(info session.ClientInfo)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbs.onRegistered = fn
}

func (e *Endpoint) OnStatus(fn func(from, to State)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.cbs.onStatus = fn
}

func (e *Endpoint) callbacks() callbacks {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.cbs
}

func (e *Endpoint) clearCallbacks() {
	e.cbMu.Lock()
	e.cbs = callbacks{}
	e.cbMu.Unlock()
	e.router.clear()
}

func (e *Endpoint) fireStatus(cbs callbacks, from, to State) {
	if cbs.onStatus == nil {
		return
	}
	e.safely("status", func() { cbs.onStatus(from, to) })
}

func (e *Endpoint) safely(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error().Str("callback", name).Interface("panic", p).Msg("endpoint.callback panicked")
		}
	}()
	fn()
}

// terminate moves the receive loop to a terminal state, fires the matching
// callbacks once, then tears down. Later callers only join the teardown.
func (e *Endpoint) terminate(to State, cause error) {
	e.termMu.Lock()
	from, ok := e.recv.finish(to, cause)
	var cbs callbacks
	if ok {
		cbs = e.callbacks()
		e.send.allow.Store(false)
		e.setConnStatus(connStatusFor(to))
	}
	e.termMu.Unlock()

	if ok {
		observability.RecordTerminal(string(e.role), to.String())
		event := e.log.Info()
		if to != StateClosed {
			event = e.log.Warn().Err(cause)
		}
		event.Str("from", from.String()).Str("to", to.String()).Msg("endpoint.terminate")
		e.fireStatus(cbs, from, to)
		if to != StateClosed && cbs.onLost != nil {
			e.safely("lost", func() { cbs.onLost(to, cause) })
		}
	}
	e.teardownOnce.Do(e.teardown)
}

// teardown: stop sends, close the transport, grace wait, cancel the receive
// loop, cancel the lifecycle, release callbacks.
func (e *Endpoint) teardown() {
	e.send.allow.Store(false)
	e.disposed.Store(true)
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			e.log.Debug().Err(err).Msg("endpoint.teardown transport close")
		}
	}
	if e.started.Load() && e.cfg.CloseGrace > 0 {
		select {
		case <-e.recvDone:
		case <-time.After(e.cfg.CloseGrace):
		}
	}
	e.ctxMu.Lock()
	recvCancel, lifeCancel := e.recvCancel, e.lifeCancel
	e.ctxMu.Unlock()
	if recvCancel != nil {
		recvCancel()
	}
	if lifeCancel != nil {
		lifeCancel()
	}
	e.statusMu.Lock()
	if !e.connStatus.Terminal() {
		e.connStatus = ConnClosed
	}
	e.statusMu.Unlock()
	e.clearCallbacks()
	if e.started.Load() {
		observability.ConnectionClosed(string(e.role))
	}
	close(e.done)
}

// setConnStatus applies a one-way lifecycle status change.
func (e *Endpoint) setConnStatus(next ConnStatus) bool {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.connStatus.Terminal() {
		e.log.Warn().
			Str("from", e.connStatus.String()).
			Str("to", next.String()).
			Msg("endpoint.lifecycle status change rejected")
		return false
	}
	e.connStatus = next
	return true
}

func (e *Endpoint) receiveLoop(ctx context.Context) {
	defer close(e.recvDone)
	fr := frame.NewReader(e.transport.Reader(), e.limits, e.cfg.FrameReadTimeout)
	for {
		payload, err := fr.Next()
		if err != nil {
			// A local stop already owns the terminal state and the teardown.
			if e.recv.State().Terminal() {
				return
			}
			to := classifyReadErr(ctx, err)
			if to == StateClosed {
				err = nil
			}
			e.terminate(to, err)
			return
		}
		if err := e.process(ctx, payload); err != nil {
			if !e.recv.State().Terminal() {
				e.terminate(StateError, err)
			}
			return
		}
	}
}

// Deliver feeds one frame payload from a push transport. Frames are processed
// in call order.
func (e *Endpoint) Deliver(payload []byte) error {
	if e.transport != nil && e.transport.NeedsReceiveLoop() {
		return fmt.Errorf("%w: transport runs its own receive loop", ErrInvalidArgument)
	}
	switch st := e.recv.State(); {
	case st == StateInitialized:
		return ErrNotStarted
	case st.Terminal():
		return ErrDisposed
	}
	if len(payload) > e.limits.MaxPayloadBytes {
		err := fmt.Errorf("%w: declared=%d max=%d", frame.ErrPayloadTooLarge, len(payload), e.limits.MaxPayloadBytes)
		e.terminate(StateError, err)
		return err
	}
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if err := e.process(e.context(), payload); err != nil {
		e.terminate(StateError, err)
		return err
	}
	return nil
}

// ReportBreak lets a push transport's owner report a detected break.
func (e *Endpoint) ReportBreak(cause error) {
	to := StateLost
	if cause != nil {
		to = classifyReadErr(context.Background(), cause)
	}
	e.terminate(to, cause)
}

func (e *Endpoint) context() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.lifeCtx == nil {
		return context.Background()
	}
	return e.lifeCtx
}

// process handles one decoded frame payload. A non-nil error is fatal.
func (e *Endpoint) process(ctx context.Context, payload []byte) error {
	observability.RecordFrameIn(string(e.role), len(payload))
	if len(payload) == 0 {
		e.markDecoded()
		return nil
	}
	env, err := protocol.Unmarshal(payload)
	if err != nil {
		e.log.Warn().Err(err).Int("bytes", len(payload)).Msg("endpoint.receive malformed envelope dropped")
		return nil
	}
	e.markDecoded()
	return e.handle(ctx, env, payload)
}

func (e *Endpoint) markDecoded() {
	if e.recv.markDecoded(time.Now()) {
		e.fireStatus(e.callbacks(), StateNewlyOpened, StateOpen)
	}
}

func (e *Endpoint) handle(ctx context.Context, env protocol.Envelope, raw []byte) error {
	if env.Reserved() {
		return e.handleReserved(ctx, env)
	}

	if cb := e.callbacks().onRaw; cb != nil {
		e.safely("raw", func() { cb(raw) })
	}
	if strings.EqualFold(strings.TrimSpace(env.Scope), schema.ScopeLoopback) {
		echo := env
		echo.Scope = schema.ScopeNone
		if err := e.writeEnvelope(ctx, echo); err != nil {
			e.log.Debug().Err(err).Str("msg_id", env.MsgID).Msg("endpoint.loopback echo failed")
		}
		return nil
	}
	if e.loopbackAll() {
		if err := e.writePayload(ctx, raw); err != nil {
			e.log.Debug().Err(err).Str("msg_id", env.MsgID).Msg("endpoint.loopback echo failed")
		}
		return nil
	}
	_ = e.router.Dispatch(env)
	return nil
}

// handleReserved consumes engine-level message types; none reach the router.
func (e *Endpoint) handleReserved(ctx context.Context, env protocol.Envelope) error {
	switch {
	case env.Is(schema.MsgPing):
		if err := e.sendReserved(ctx, schema.MsgPong); err != nil {
			e.log.Debug().Err(err).Msg("endpoint.keepalive pong not sent")
		}
	case env.Is(schema.MsgConnRegister):
		if e.role != RoleServer {
			e.log.Warn().Str("msg_id", env.MsgID).Msg("endpoint.register connregister on client dropped")
			return nil
		}
		return e.handleRegister(ctx, env)
	case env.Is(schema.MsgConnRegisterReply):
		if e.role != RoleClient {
			e.log.Warn().Str("msg_id", env.MsgID).Msg("endpoint.register connregisterreply on server dropped")
			return nil
		}
		return e.handleRegisterReply(env)
	}
	return nil
}

func (e *Endpoint) loopbackAll() bool {
	if e.role != RoleServer {
		return false
	}
	e.infoMu.RLock()
	defer e.infoMu.RUnlock()
	return e.info.IsRegistered && e.info.Loopback == session.LoopbackAll
}

// Info returns the current identity snapshot.
func (e *Endpoint) Info() session.ClientInfo {
	e.infoMu.RLock()
	defer e.infoMu.RUnlock()
	return e.info
}

// Entry projects Info for a connection directory.
func (e *Endpoint) Entry(host string, port int) session.ConnectionEntry {
	return e.Info().Entry(host, port)
}

// Serial is a per-process creation counter for diagnostics.
func (e *Endpoint) Serial() uint64 {
	return e.serial
}

func (e *Endpoint) Role() Role {
	return e.role
}

func (e *Endpoint) State() State {
	return e.recv.State()
}

// Cause is the error behind a Lost or Error state.
func (e *Endpoint) Cause() error {
	return e.recv.Cause()
}

func (e *Endpoint) ConnStatus() ConnStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.connStatus
}

// ReceivedCount counts fully valid frames, heartbeats included.
func (e *Endpoint) ReceivedCount() uint64 {
	return e.recv.Count()
}

func (e *Endpoint) LastReceived() time.Time {
	return e.recv.LastReceived()
}

func (e *Endpoint) RemoteAddr() string {
	if e.transport == nil {
		return ""
	}
	return e.transport.RemoteAddr()
}

func (e *Endpoint) Channels() []string {
	return e.router.Channels()
}
