package client

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/endpoint"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/server"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.CloseGrace = 10 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.FrameReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     50 * time.Millisecond,
	}
	return cfg
}

func testClientConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.DeviceID = "device-e"
	cfg.Session = fastSession()
	cfg.Session.PingInterval = DefaultPingInterval
	return cfg
}

type serverFixture struct {
	svc  *server.Service
	addr string

	mu        sync.Mutex
	endpoints []*endpoint.Endpoint
}

func (f *serverFixture) endpointAt(i int) *endpoint.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.endpoints) {
		return nil
	}
	return f.endpoints[i]
}

func (f *serverFixture) endpointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func startServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := server.DefaultServiceConfig()
	cfg.AdminListenAddr = ""
	cfg.Session = fastSession()
	f := &serverFixture{svc: server.NewServiceWithConfig(cfg, nil), addr: ln.Addr().String()}
	f.svc.OnEndpoint(func(ep *endpoint.Endpoint) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.endpoints = append(f.endpoints, ep)
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

type events struct {
	mu         sync.Mutex
	registered []session.ClientInfo
	lost       []endpoint.State
	echoed     []protocol.Envelope
}

func (e *events) attach(c *Client) {
	c.OnRegistered(func(info session.ClientInfo) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.registered = append(e.registered, info)
	})
	c.OnLost(func(state endpoint.State, _ error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.lost = append(e.lost, state)
	})
	c.AddChannel("echo", func(env protocol.Envelope) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.echoed = append(e.echoed, env)
		return nil
	})
}

func (e *events) registrations() []session.ClientInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]session.ClientInfo(nil), e.registered...)
}

func (e *events) lostStates() []endpoint.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]endpoint.State(nil), e.lost...)
}

func (e *events) echoCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.echoed)
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("client run did not exit")
		}
	})
	return cancel, errCh
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

func TestNewRequiresAddress(t *testing.T) {
	testlog.Start(t)
	if _, err := New(DefaultConfig()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestNewRejectsVersionTwoWithoutAppID(t *testing.T) {
	testlog.Start(t)
	cfg := testClientConfig("127.0.0.1:1")
	cfg.AppID = ""
	if _, err := New(cfg); !errors.Is(err, session.ErrMissingAppIdentity) {
		t.Fatalf("expected ErrMissingAppIdentity, got %v", err)
	}
}

func TestNewDefaultsDeviceIDAndPing(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:1"
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.DeviceID() == "" {
		t.Fatalf("expected generated device id")
	}
	if c.cfg.Session.PingInterval != DefaultPingInterval {
		t.Fatalf("unexpected ping interval got=%v want=%v", c.cfg.Session.PingInterval, DefaultPingInterval)
	}
	if err := c.Send(context.Background(), endpoint.Message{MessageType: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRegistrationClaimsPriorConnectionID(t *testing.T) {
	testlog.Start(t)
	cfg := testClientConfig("127.0.0.1:1")
	cfg.Loopback = session.LoopbackAll
	cfg.KeepaliveDisabled = true
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first := c.registration()
	if first.ConnectionID == "" || first.DeviceID != "device-e" {
		t.Fatalf("unexpected initial registration: %+v", first)
	}
	if first.Caps.Loopback != session.LoopbackAll || first.Caps.KeepaliveEnabled {
		t.Fatalf("capabilities not carried: %+v", first.Caps)
	}
	c.connectionID = "authoritative-1"
	if got := c.registration().ConnectionID; got != "authoritative-1" {
		t.Fatalf("reconnect should claim prior id got=%q", got)
	}
}

func TestClientReconnectsAfterServerStop(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	c, err := New(testClientConfig(srv.addr))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ev := &events{}
	ev.attach(c)
	runClient(t, c)

	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return len(ev.registrations()) == 1 }) {
		t.Fatalf("client never registered")
	}
	firstID := ev.registrations()[0].ConnectionID
	if firstID == "" || c.ConnectionID() != firstID {
		t.Fatalf("unexpected adopted id got=%q client=%q", firstID, c.ConnectionID())
	}

	if err := srv.endpointAt(0).Stop(); err != nil {
		t.Fatalf("server stop: %v", err)
	}
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return len(ev.registrations()) == 2 }) {
		t.Fatalf("client did not re-register lost=%v", ev.lostStates())
	}
	if got := ev.lostStates(); len(got) != 1 || got[0] != endpoint.StateLost {
		t.Fatalf("unexpected lost notifications: %v", got)
	}
	if got := c.ReconnectAttempts(); got != 1 {
		t.Fatalf("unexpected reconnect count got=%d want=1", got)
	}

	second := ev.registrations()[1]
	if second.DeviceID != "device-e" {
		t.Fatalf("device id changed across reconnect got=%q", second.DeviceID)
	}
	if second.ConnectionID == firstID {
		t.Fatalf("expected a fresh authoritative id after reconnect")
	}
	if srv.endpointCount() != 2 {
		t.Fatalf("unexpected server endpoint count got=%d want=2", srv.endpointCount())
	}
	if peer := srv.endpointAt(1).Info().PeerConnectionID; peer != firstID {
		t.Fatalf("server should see prior id claimed got=%q want=%q", peer, firstID)
	}
}

func TestClientRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	srv := startServer(t)
	c, err := New(testClientConfig(srv.addr))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ev := &events{}
	ev.attach(c)
	cancel, errCh := runClient(t, c)
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return len(ev.registrations()) == 1 }) {
		t.Fatalf("client never registered")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if got := ev.lostStates(); len(got) != 0 {
		t.Fatalf("local close should not report lost: %v", got)
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatalf("unexpected reconnects after cancel: %d", c.ReconnectAttempts())
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testClientConfig(addr)
	cfg.MaxConnectAttempts = 2
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
	if got := c.DialAttempts(); got != 2 {
		t.Fatalf("unexpected dial attempts got=%d want=2", got)
	}
}

func TestClientOverWebSocket(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := server.DefaultServiceConfig()
	cfg.AdminListenAddr = ""
	cfg.Session = fastSession()
	svc := server.NewServiceWithConfig(cfg, nil)
	hs := httptest.NewServer(svc.Router())
	defer hs.Close()

	c, err := New(testClientConfig("ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ev := &events{}
	ev.attach(c)
	runClient(t, c)
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return len(ev.registrations()) == 1 }) {
		t.Fatalf("websocket client never registered")
	}
	if err := c.Send(context.Background(), endpoint.Message{MessageType: "Greeting", Data: "ws", Channel: "echo"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return ev.echoCount() == 1 }) {
		t.Fatalf("no echo over websocket")
	}
	_ = c.Close()
}

func TestClientWebSocketSendsAuthToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := server.DefaultServiceConfig()
	cfg.AdminListenAddr = ""
	cfg.AuthToken = "secret"
	cfg.Session = fastSession()
	svc := server.NewServiceWithConfig(cfg, nil)
	hs := httptest.NewServer(svc.Router())
	defer hs.Close()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	denied := testClientConfig(url)
	denied.MaxConnectAttempts = 1
	c, err := New(denied)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected upgrade rejection without token")
	}

	allowed := testClientConfig(url)
	allowed.AuthToken = "secret"
	c, err = New(allowed)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ep, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	_ = c.Close()
	<-ep.Done()
}
