package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/directory"
	"github.com/danmuck/edgelink/internal/endpoint"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gin-gonic/gin"
)

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.CloseGrace = 10 * time.Millisecond
	cfg.FrameReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.NodeID = "linkd.test"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminListenAddr = ""
	cfg.Session = testSessionConfig()
	cfg.Session.RequireChattyClients = true
	return cfg
}

func testRegistration(device string) session.Registration {
	caps := session.DefaultCapabilities()
	caps.AppID = "edgelink-test"
	caps.AppVersion = "0.1.0"
	caps = caps.WithLibVersion("2")
	return session.Registration{
		ConnectionID: "claimed-" + device,
		DeviceID:     device,
		Caps:         caps,
	}
}

// startService serves on a loopback listener until the test ends.
func startService(t *testing.T) (*Service, string, context.CancelFunc) {
	t.Helper()
	return startServiceWithDirectory(t, nil)
}

func startServiceWithDirectory(t *testing.T, dir directory.Directory) (*Service, string, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svc := NewServiceWithConfig(testServiceConfig(), dir)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("serve did not exit after cancel")
		}
	})
	return svc, ln.Addr().String(), cancel
}

type clientProbe struct {
	mu         sync.Mutex
	registered []session.ClientInfo
	echoed     []protocol.Envelope
	messages   []protocol.Envelope
	lost       []endpoint.State
}

func (p *clientProbe) registeredCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.registered)
}

func (p *clientProbe) echoes() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.echoed...)
}

func (p *clientProbe) messageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *clientProbe) lostStates() []endpoint.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]endpoint.State(nil), p.lost...)
}

func startClient(t *testing.T, tr endpoint.Transport, reg session.Registration) (*endpoint.Endpoint, *clientProbe) {
	t.Helper()
	ep := endpoint.New(tr, testSessionConfig(),
		endpoint.WithRole(endpoint.RoleClient),
		endpoint.WithRegistration(reg),
	)
	probe := &clientProbe{}
	ep.OnRegistered(func(info session.ClientInfo) {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		probe.registered = append(probe.registered, info)
	})
	ep.OnLost(func(state endpoint.State, _ error) {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		probe.lost = append(probe.lost, state)
	})
	ep.OnMessage(func(env protocol.Envelope) error {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		probe.messages = append(probe.messages, env)
		return nil
	})
	if err := ep.AddChannel("echo", func(env protocol.Envelope) error {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		probe.echoed = append(probe.echoed, env)
		return nil
	}); err != nil {
		t.Fatalf("add echo channel: %v", err)
	}
	if err := ep.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() {
		_ = ep.Stop()
	})
	return ep, probe
}

func dialTCPClient(t *testing.T, addr string, reg session.Registration) (*endpoint.Endpoint, *clientProbe) {
	t.Helper()
	conn, err := transport.DialTCP(context.Background(), addr, time.Second, transport.Security{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return startClient(t, conn, reg)
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

func TestServiceRegistersEchoesAndPublishesDirectory(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)
	client, probe := dialTCPClient(t, addr, testRegistration("device-a"))

	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return probe.registeredCount() == 1 }) {
		t.Fatalf("client never registered")
	}
	id := client.Info().ConnectionID
	if id == "" || id == "claimed-device-a" {
		t.Fatalf("expected server-minted connection id, got=%q", id)
	}

	var entry session.ConnectionEntry
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		var ok bool
		entry, ok, _ = svc.Directory().Get(context.Background(), id)
		return ok
	}) {
		t.Fatalf("directory missing entry for %s", id)
	}
	if entry.DeviceID != "device-a" || entry.Host != "127.0.0.1" || entry.Port == 0 {
		t.Fatalf("unexpected directory entry: %+v", entry)
	}

	err := client.Send(context.Background(), endpoint.Message{
		MessageType:   "Greeting",
		Data:          "hello",
		Channel:       "echo",
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return len(probe.echoes()) == 1 }) {
		t.Fatalf("no echo received")
	}
	echo := probe.echoes()[0]
	if echo.MessageType != "Greeting" || echo.Data != "hello" || echo.CorrelationID() != "corr-1" {
		t.Fatalf("unexpected echo: %+v", echo)
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("stop client: %v", err)
	}
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool {
		_, ok, _ := svc.Directory().Get(context.Background(), id)
		return !ok && svc.ActiveConnections() == 0
	}) {
		t.Fatalf("directory entry or endpoint not released after disconnect active=%d", svc.ActiveConnections())
	}
}

func TestServiceBroadcastReachesRegisteredClients(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)
	_, first := dialTCPClient(t, addr, testRegistration("device-a"))
	_, second := dialTCPClient(t, addr, testRegistration("device-b"))

	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return first.registeredCount() == 1 && second.registeredCount() == 1
	}) {
		t.Fatalf("clients did not register")
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		entries, _ := svc.Directory().List(context.Background())
		return len(entries) == 2
	}) {
		t.Fatalf("directory did not list both clients")
	}

	sent, err := svc.Broadcast(context.Background(), endpoint.Message{MessageType: "Notice", Data: "all"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sent != 2 {
		t.Fatalf("unexpected broadcast count got=%d want=2", sent)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return first.messageCount() == 1 && second.messageCount() == 1
	}) {
		t.Fatalf("broadcast not delivered first=%d second=%d", first.messageCount(), second.messageCount())
	}
}

func TestServiceCancelClosesAllConnections(t *testing.T) {
	testlog.Start(t)
	svc, addr, cancel := startService(t)
	client, probe := dialTCPClient(t, addr, testRegistration("device-a"))
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return probe.registeredCount() == 1 }) {
		t.Fatalf("client never registered")
	}

	cancel()
	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not observe server shutdown state=%s", client.State())
	}
	if got := probe.lostStates(); len(got) != 1 || got[0] != endpoint.StateLost {
		t.Fatalf("unexpected lost notifications: %v", got)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return len(svc.Endpoints()) == 0 }) {
		t.Fatalf("service still tracks %d endpoints", len(svc.Endpoints()))
	}
}

func TestServiceOnEndpointHookRunsBeforeStart(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t)
	hooked := make(chan endpoint.State, 1)
	svc.OnEndpoint(func(ep *endpoint.Endpoint) {
		hooked <- ep.State()
	})
	dialTCPClient(t, addr, testRegistration("device-a"))
	select {
	case state := <-hooked:
		if state != endpoint.StateInitialized {
			t.Fatalf("hook saw state=%s want=%s", state, endpoint.StateInitialized)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hook never ran")
	}
}

// stalledDirectory blocks Put until release is closed.
type stalledDirectory struct {
	*directory.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *stalledDirectory) Put(ctx context.Context, entry session.ConnectionEntry) error {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.Memory.Put(ctx, entry)
}

func TestSlowDirectoryPublishIsRemovedAfterClose(t *testing.T) {
	testlog.Start(t)
	dir := &stalledDirectory{
		Memory:  directory.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc, addr, _ := startServiceWithDirectory(t, dir)
	serverSide := make(chan *endpoint.Endpoint, 1)
	svc.OnEndpoint(func(ep *endpoint.Endpoint) { serverSide <- ep })
	dialTCPClient(t, addr, testRegistration("device-a"))

	var ep *endpoint.Endpoint
	select {
	case ep = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatalf("no server endpoint")
	}
	select {
	case <-dir.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("directory publish never started")
	}

	_ = ep.Stop()
	select {
	case <-ep.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("server endpoint did not finish teardown")
	}
	close(dir.release)

	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		return svc.ActiveConnections() == 0
	}) {
		t.Fatalf("connection still active")
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool {
		entries, _ := dir.List(context.Background())
		return len(entries) == 0
	}) {
		entries, _ := dir.List(context.Background())
		t.Fatalf("stale directory entries: %+v", entries)
	}
	// Stays empty once the late publish and the removal have both run.
	time.Sleep(50 * time.Millisecond)
	if entries, _ := dir.List(context.Background()); len(entries) != 0 {
		t.Fatalf("late publish resurrected entry: %+v", entries)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	dir := directory.NewMemory()
	svc := NewServiceWithConfig(testServiceConfig(), dir)
	entry := session.ConnectionEntry{
		ConnectionID:      "conn-1",
		DeviceID:          "device-a",
		IsRegistered:      true,
		ConnectionTimeUTC: time.Now().UTC(),
		Host:              "127.0.0.1",
		Port:              9400,
	}
	if err := dir.Put(context.Background(), entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		svc.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := get("/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status got=%d want=%d", rec.Code, http.StatusOK)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["node"] != "linkd.test" {
		t.Fatalf("unexpected health body: %v", health)
	}

	rec = get("/connections")
	if rec.Code != http.StatusOK {
		t.Fatalf("connections status got=%d", rec.Code)
	}
	var list struct {
		Connections []session.ConnectionEntry `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if len(list.Connections) != 1 || list.Connections[0].ConnectionID != "conn-1" {
		t.Fatalf("unexpected connections: %+v", list.Connections)
	}

	if rec = get("/connections/conn-1"); rec.Code != http.StatusOK {
		t.Fatalf("connection lookup status got=%d", rec.Code)
	}
	if rec = get("/connections/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing connection status got=%d want=%d", rec.Code, http.StatusNotFound)
	}

	rec = get("/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "edgelink_") {
		t.Fatalf("metrics not exposed status=%d", rec.Code)
	}
}

func TestWebSocketRouteRunsEndpoint(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewServiceWithConfig(testServiceConfig(), nil)
	srv := httptest.NewServer(svc.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := transport.DialWebSocket(context.Background(), url, time.Second, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	client, probe := startClient(t, conn, testRegistration("device-ws"))
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return probe.registeredCount() == 1 }) {
		t.Fatalf("websocket client never registered")
	}
	if err := client.Send(context.Background(), endpoint.Message{MessageType: "Greeting", Data: "over-ws", Channel: "echo"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitForCondition(2*time.Second, 10*time.Millisecond, func() bool { return len(probe.echoes()) == 1 }) {
		t.Fatalf("no echo over websocket")
	}
	if got := probe.echoes()[0].Data; got != "over-ws" {
		t.Fatalf("unexpected echo data got=%q", got)
	}
	_ = client.Stop()
	if !waitForCondition(3*time.Second, 10*time.Millisecond, func() bool { return svc.ActiveConnections() == 0 }) {
		t.Fatalf("websocket endpoint not released active=%d", svc.ActiveConnections())
	}
}

func TestNormalizeOriginsDefault(t *testing.T) {
	testlog.Start(t)
	if got := normalizeOrigins(nil); len(got) != 1 || got[0] != "http://localhost:3000" {
		t.Fatalf("unexpected default origins: %v", got)
	}
	in := []string{"https://ops.example"}
	if got := normalizeOrigins(in); len(got) != 1 || got[0] != in[0] {
		t.Fatalf("origins should pass through: %v", got)
	}
}

func TestAdminRoutesRequireTokenWhenConfigured(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testServiceConfig()
	cfg.AuthToken = "secret"
	svc := NewServiceWithConfig(cfg, nil)

	do := func(path, token string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		svc.Router().ServeHTTP(rec, req)
		return rec.Code
	}
	if code := do("/health", ""); code != http.StatusOK {
		t.Fatalf("health should stay open got=%d", code)
	}
	if code := do("/connections", ""); code != http.StatusUnauthorized {
		t.Fatalf("connections without token got=%d want=%d", code, http.StatusUnauthorized)
	}
	if code := do("/ws", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("ws with wrong token got=%d want=%d", code, http.StatusUnauthorized)
	}
	if code := do("/connections", "secret"); code != http.StatusOK {
		t.Fatalf("connections with token got=%d want=%d", code, http.StatusOK)
	}
}
