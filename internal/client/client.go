package client

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/endpoint"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrNotConnected    = errors.New("client: not connected")
	ErrClosed          = errors.New("client: closed")
)

// DefaultPingInterval is how long a client stays quiet before it sends ping.
const DefaultPingInterval = 20 * time.Second

// Config describes one logical client connection. Address is host:port for
// TCP or a ws:// / wss:// URL for the WebSocket transport.
type Config struct {
	Address  string
	DeviceID string
	UserID   string

	AppID      string
	AppVersion string
	// LibVersion is the protocol version declared in connregister; empty means v1.
	LibVersion        string
	Language          string
	Loopback          session.LoopbackMode
	KeepaliveDisabled bool

	// AuthToken is sent as a bearer token on the WebSocket upgrade.
	AuthToken string
	Security  transport.Security
	Session   session.Config

	// Reconnect re-dials after the connection is lost or fails.
	Reconnect bool
	// MaxConnectAttempts bounds dial retries per connect; zero retries forever.
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	sess := session.DefaultConfig()
	sess.PingInterval = DefaultPingInterval
	return Config{
		AppID:      "linkctl",
		AppVersion: "0.1.0",
		LibVersion: "2",
		Loopback:   session.LoopbackOff,
		Security:   transport.Security{Mode: transport.SecurityModeDevelopment},
		Session:    sess,
		Reconnect:  true,
	}
}

// Client keeps one registered endpoint alive, re-dialing with backoff when it
// is lost. Handlers added before Run are installed on every endpoint.
type Client struct {
	cfg Config
	log zerolog.Logger
	rng *rand.Rand

	mu           sync.Mutex
	current      *endpoint.Endpoint
	connectionID string
	closed       bool

	hooksMu      sync.Mutex
	channels     map[string]endpoint.Handler
	onMessage    endpoint.Handler
	onRegistered func(info session.ClientInfo)
	onLost       func(state endpoint.State, cause error)

	reconnects atomic.Uint64
	dials      atomic.Uint64
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
	}
	cfg.Session = cfg.Session.WithDefaults()
	c := &Client{
		cfg:      cfg,
		log:      log.Logger.With().Str("device", cfg.DeviceID).Logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		channels: make(map[string]endpoint.Handler),
	}
	if err := c.registration().Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) AddChannel(name string, h endpoint.Handler) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.channels[name] = h
}

func (c *Client) OnMessage(h endpoint.Handler) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onMessage = h
}

func (c *Client) OnRegistered(fn func(info session.ClientInfo)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onRegistered = fn
}

// OnLost fires once per connection that ends as Lost or Error.
func (c *Client) OnLost(fn func(state endpoint.State, cause error)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onLost = fn
}

// ReconnectAttempts counts reconnect cycles started after a connection ended.
func (c *Client) ReconnectAttempts() uint64 {
	return c.reconnects.Load()
}

// DialAttempts counts every dial, successful or not.
func (c *Client) DialAttempts() uint64 {
	return c.dials.Load()
}

func (c *Client) DeviceID() string {
	return c.cfg.DeviceID
}

// ConnectionID is the last authoritative id the server assigned.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) Endpoint() *endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) Send(ctx context.Context, msg endpoint.Message) error {
	ep := c.Endpoint()
	if ep == nil {
		return ErrNotConnected
	}
	return ep.Send(ctx, msg)
}

// Close stops the current endpoint and ends Run.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ep := c.current
	c.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Stop()
}

// Run connects, then keeps the session alive until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		ep, err := c.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		select {
		case <-ep.Done():
		case <-ctx.Done():
			_ = ep.Stop()
			<-ep.Done()
		}
		c.clearIf(ep)
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		state := ep.State()
		c.log.Warn().Err(ep.Cause()).Str("state", state.String()).Msg("client.Run session ended")
		if !c.cfg.Reconnect {
			return ep.Cause()
		}
		attempt := c.reconnects.Add(1)
		observability.RecordReconnectAttempt()
		if err := c.wait(ctx, int(attempt)); err != nil {
			return nil
		}
	}
}

// Connect dials with retry and starts one registered endpoint.
func (c *Client) Connect(ctx context.Context) (*endpoint.Endpoint, error) {
	backoff := session.NewBackoff(c.cfg.Session.Backoff, c.rng)
	for {
		if c.isClosed() {
			return nil, ErrClosed
		}
		ep, err := c.connectOnce(ctx)
		if err == nil {
			return ep, nil
		}
		attempt, delay := backoff.Next()
		c.log.Warn().Err(err).Int("attempt", attempt).Str("addr", c.cfg.Address).Msg("client.Connect dial failed")
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (*endpoint.Endpoint, error) {
	c.dials.Add(1)
	tr, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ep := endpoint.New(tr, c.cfg.Session,
		endpoint.WithRole(endpoint.RoleClient),
		endpoint.WithLogger(c.log),
		endpoint.WithRegistration(c.registration()),
	)
	c.install(ep)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ep.Stop()
		return nil, ErrClosed
	}
	c.current = ep
	c.mu.Unlock()

	if err := ep.Start(ctx); err != nil {
		c.clearIf(ep)
		_ = ep.Stop()
		return nil, err
	}
	c.log.Info().Str("addr", c.cfg.Address).Uint64("serial", ep.Serial()).Msg("client.Connect connected")
	return ep, nil
}

func (c *Client) dial(ctx context.Context) (endpoint.Transport, error) {
	addr := strings.TrimSpace(c.cfg.Address)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		var header http.Header
		if token := strings.TrimSpace(c.cfg.AuthToken); token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		return transport.DialWebSocket(ctx, addr, c.cfg.Session.ConnectTimeout, header)
	}
	return transport.DialTCP(ctx, addr, c.cfg.Session.ConnectTimeout, c.cfg.Security)
}

func (c *Client) install(ep *endpoint.Endpoint) {
	c.hooksMu.Lock()
	channels := make(map[string]endpoint.Handler, len(c.channels))
	for name, h := range c.channels {
		channels[name] = h
	}
	onMessage, onRegistered, onLost := c.onMessage, c.onRegistered, c.onLost
	c.hooksMu.Unlock()

	for name, h := range channels {
		if err := ep.AddChannel(name, h); err != nil {
			c.log.Warn().Err(err).Str("channel", name).Msg("client.install channel skipped")
		}
	}
	if onMessage != nil {
		ep.OnMessage(onMessage)
	}
	ep.OnRegistered(func(info session.ClientInfo) {
		c.mu.Lock()
		c.connectionID = info.ConnectionID
		c.mu.Unlock()
		c.log.Info().Str("connection_id", info.ConnectionID).Msg("client.registered")
		if onRegistered != nil {
			onRegistered(info)
		}
	})
	if onLost != nil {
		ep.OnLost(onLost)
	}
}

// registration claims the last authoritative id so the server can correlate
// the new connection with the previous one.
func (c *Client) registration() session.Registration {
	connID := c.ConnectionID()
	if connID == "" {
		connID = uuid.NewString()
	}
	caps := session.DefaultCapabilities()
	caps.AppID = c.cfg.AppID
	caps.AppVersion = c.cfg.AppVersion
	caps.Pid = os.Getpid()
	caps.KeepaliveEnabled = !c.cfg.KeepaliveDisabled
	if c.cfg.Language != "" {
		caps.Language = c.cfg.Language
	}
	if c.cfg.Loopback != "" {
		caps.Loopback = c.cfg.Loopback
	}
	if c.cfg.LibVersion != "" {
		caps = caps.WithLibVersion(c.cfg.LibVersion)
	}
	return session.Registration{
		ConnectionID: connID,
		DeviceID:     c.cfg.DeviceID,
		UserID:       c.cfg.UserID,
		Caps:         caps,
	}
}

func (c *Client) clearIf(ep *endpoint.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == ep {
		c.current = nil
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	return sleep(ctx, session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng))
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
