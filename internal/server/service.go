package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/directory"
	"github.com/danmuck/edgelink/internal/endpoint"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the linkd listener and its admin surface.
type ServiceConfig struct {
	NodeID          string
	ListenAddr      string
	AdminListenAddr string
	// AdvertiseAddr is the host:port published in directory entries.
	AdvertiseAddr string
	CorsOrigins   []string
	// EchoChannel names a channel that replies with each envelope; empty disables it.
	EchoChannel string
	// AuthToken guards /connections and /ws when set.
	AuthToken string
	Security  transport.Security
	Session   session.Config
}

func DefaultServiceConfig() ServiceConfig {
	sess := session.DefaultConfig()
	sess.RequireChattyClients = true
	return ServiceConfig{
		NodeID:          "linkd.local",
		ListenAddr:      ":9400",
		AdminListenAddr: ":9401",
		EchoChannel:     "echo",
		Security:        transport.Security{Mode: transport.SecurityModeDevelopment},
		Session:         sess,
	}
}

// Service accepts connections, runs one endpoint per connection, and keeps the
// directory in step with registrations.
type Service struct {
	cfg      ServiceConfig
	dir      directory.Directory
	log      zerolog.Logger
	router   *gin.Engine
	upgrader *websocket.Upgrader
	appeared time.Time

	ctxMu   sync.Mutex
	baseCtx context.Context

	hostMu sync.Mutex
	host   string
	port   int

	connsMu sync.Mutex
	conns   map[*endpoint.Endpoint]struct{}
	active  atomic.Int64

	hooksMu sync.Mutex
	hooks   []func(*endpoint.Endpoint)
}

func NewService(dir directory.Directory) *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), dir)
}

func NewServiceWithConfig(cfg ServiceConfig, dir directory.Directory) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = def.NodeID
	}
	cfg.Session = cfg.Session.WithDefaults()
	if dir == nil {
		dir = directory.NewMemory()
	}
	s := &Service{
		cfg:      cfg,
		dir:      dir,
		log:      log.Logger.With().Str("node", cfg.NodeID).Logger(),
		upgrader: transport.NewUpgrader(nil),
		appeared: time.Now(),
		baseCtx:  context.Background(),
		conns:    make(map[*endpoint.Endpoint]struct{}),
	}
	s.setAdvertise(cfg.AdvertiseAddr)
	s.router = s.newRouter()
	return s
}

// OnEndpoint adds a hook run for every new endpoint before it starts, e.g. to
// register channel handlers.
func (s *Service) OnEndpoint(fn func(*endpoint.Endpoint)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Service) Router() http.Handler {
	return s.router
}

func (s *Service) Directory() directory.Directory {
	return s.dir
}

// Run listens on the configured addresses and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.ListenAddr, s.cfg.Security)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Security.TLS.Enabled).Msg("server.Service.Run listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(shutdownCtx)
		}()
		go func() {
			s.log.Info().Str("addr", addr).Msg("server.Service.Run admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		_ = ln.Close()
		<-serveErr
		return err
	}
}

// Serve runs the accept loop on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	s.ctxMu.Lock()
	s.baseCtx = ctx
	s.ctxMu.Unlock()
	if s.advertised() == "" {
		s.setAdvertise(ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		s.closeAll()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if _, err := s.Attach(ctx, transport.NewConn(conn)); err != nil {
				s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("server.Service.Serve attach failed")
			}
		}()
	}
}

// Attach runs one server endpoint on t until the connection ends or ctx is done.
func (s *Service) Attach(ctx context.Context, t endpoint.Transport) (*endpoint.Endpoint, error) {
	ep := endpoint.New(t, s.cfg.Session,
		endpoint.WithRole(endpoint.RoleServer),
		endpoint.WithLogger(s.log.With().Str("remote", t.RemoteAddr()).Logger()),
	)
	// regMu is held across Put so the remover never runs between a publish
	// starting and landing.
	var (
		regMu      sync.Mutex
		registered string
		removed    bool
	)
	ep.OnRegistered(func(info session.ClientInfo) {
		host, port := s.placement()
		regMu.Lock()
		defer regMu.Unlock()
		if removed {
			return
		}
		registered = info.ConnectionID
		putCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.dir.Put(putCtx, info.Entry(host, port)); err != nil {
			s.log.Warn().Err(err).Str("connection_id", info.ConnectionID).Msg("server.directory put failed")
		}
	})
	if name := strings.TrimSpace(s.cfg.EchoChannel); name != "" {
		if err := ep.AddChannel(name, echoHandler(ctx, ep)); err != nil {
			return nil, err
		}
	}
	s.hooksMu.Lock()
	hooks := append([]func(*endpoint.Endpoint){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(ep)
	}

	s.track(ep)
	if err := ep.Start(ctx); err != nil {
		s.untrack(ep)
		_ = ep.Stop()
		return nil, err
	}
	active := s.active.Add(1)
	s.log.Info().Str("remote", t.RemoteAddr()).Int64("active_clients", active).Msg("server.session client connected")

	go func() {
		<-ep.Done()
		s.untrack(ep)
		remaining := s.active.Add(-1)
		regMu.Lock()
		removed = true
		id := registered
		regMu.Unlock()
		if id != "" {
			rmCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.dir.Remove(rmCtx, id); err != nil {
				s.log.Warn().Err(err).Str("connection_id", id).Msg("server.directory remove failed")
			}
		}
		s.log.Info().
			Str("remote", t.RemoteAddr()).
			Str("state", ep.State().String()).
			Int64("active_clients", remaining).
			Msg("server.session client disconnected")
	}()
	return ep, nil
}

// echoHandler answers on the same channel with the same type, data and correlation id.
func echoHandler(ctx context.Context, ep *endpoint.Endpoint) endpoint.Handler {
	return func(env protocol.Envelope) error {
		return ep.Send(ctx, endpoint.Message{
			MessageType:   env.MessageType,
			Data:          env.Data,
			Channel:       env.Channel,
			CorrelationID: env.CorrelationID(),
		})
	}
}

// Broadcast sends msg to every registered endpoint and reports how many accepted it.
func (s *Service) Broadcast(ctx context.Context, msg endpoint.Message) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, ep := range s.Endpoints() {
		if !ep.Info().IsRegistered {
			continue
		}
		if err := ep.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", ep.Info().ConnectionID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Service) Endpoints() []*endpoint.Endpoint {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*endpoint.Endpoint, 0, len(s.conns))
	for ep := range s.conns {
		out = append(out, ep)
	}
	return out
}

func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Service) context() context.Context {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	return s.baseCtx
}

func (s *Service) setAdvertise(addr string) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return
	}
	port, _ := strconv.Atoi(portStr)
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	s.host, s.port = host, port
}

func (s *Service) advertised() string {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	return s.host
}

func (s *Service) placement() (string, int) {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	return s.host, s.port
}

func (s *Service) track(ep *endpoint.Endpoint) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[ep] = struct{}{}
}

func (s *Service) untrack(ep *endpoint.Endpoint) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, ep)
}

// closeAll stops every tracked endpoint; each one untracks itself when done.
func (s *Service) closeAll() {
	for _, ep := range s.Endpoints() {
		_ = ep.Stop()
	}
}
