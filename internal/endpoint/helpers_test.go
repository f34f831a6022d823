package endpoint

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.CloseGrace = 10 * time.Millisecond
	cfg.FrameReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

type transition struct {
	from State
	to   State
}

type recorder struct {
	mu         sync.Mutex
	statuses   []transition
	lost       []State
	messages   []protocol.Envelope
	raw        [][]byte
	registered []session.ClientInfo
}

func (r *recorder) attach(e *Endpoint) {
	e.OnStatus(func(from, to State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, transition{from: from, to: to})
	})
	e.OnLost(func(state State, _ error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lost = append(r.lost, state)
	})
	e.OnMessage(func(env protocol.Envelope) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages = append(r.messages, env)
		return nil
	})
	e.OnRawMessage(func(payload []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.raw = append(r.raw, append([]byte(nil), payload...))
	})
	e.OnRegistered(func(info session.ClientInfo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.registered = append(r.registered, info)
	})
}

func (r *recorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) registeredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered)
}

// terminalStatuses counts status callbacks that entered a terminal state.
func (r *recorder) terminalStatuses() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, tr := range r.statuses {
		if tr.to.Terminal() {
			out = append(out, tr.to)
		}
	}
	return out
}

// pipePeer drives the far side of a net.Pipe with raw frames.
type pipePeer struct {
	t    *testing.T
	conn net.Conn
	seq  protocol.Sequence
}

func newPipeEndpoint(t *testing.T, cfg session.Config, opts ...Option) (*Endpoint, *pipePeer) {
	t.Helper()
	local, remote := net.Pipe()
	ep := New(transport.NewConn(local), cfg, opts...)
	peer := &pipePeer{t: t, conn: remote}
	t.Cleanup(func() {
		_ = ep.Stop()
		_ = remote.Close()
	})
	return ep, peer
}

func startEndpoint(t *testing.T, ep *Endpoint) {
	t.Helper()
	if err := ep.Start(context.Background()); err != nil {
		t.Fatalf("start endpoint: %v", err)
	}
}

func (p *pipePeer) writeRaw(b []byte) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write(b); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func (p *pipePeer) writeEnvelope(env protocol.Envelope) {
	p.t.Helper()
	body, err := protocol.Marshal(env)
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	p.writeRaw(frame.Encode(body))
}

func (p *pipePeer) send(messageType, data string) protocol.Envelope {
	p.t.Helper()
	env := protocol.NewEnvelope(&p.seq, messageType, data)
	p.writeEnvelope(env)
	return env
}

func (p *pipePeer) readEnvelope() protocol.Envelope {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := frame.NewReader(p.conn, frame.DefaultLimits(), 0).Next()
	if err != nil {
		p.t.Fatalf("peer read frame: %v", err)
	}
	env, err := protocol.Unmarshal(payload)
	if err != nil {
		p.t.Fatalf("peer decode envelope: %v", err)
	}
	return env
}

func waitForCondition(timeout time.Duration, interval time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(interval)
	}
	return fn()
}

func waitDone(t *testing.T, ep *Endpoint) {
	t.Helper()
	select {
	case <-ep.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("endpoint teardown did not finish state=%s", ep.State())
	}
}
