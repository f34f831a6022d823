package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("transport: closed")

// Conn adapts a net.Conn (TCP or TLS) to the endpoint engine.
type Conn struct {
	conn   net.Conn
	closed atomic.Bool
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// DialTCP connects to addr and completes the TLS handshake when sec enables it.
func DialTCP(ctx context.Context, addr string, timeout time.Duration, sec Security) (*Conn, error) {
	if err := sec.ValidateClient(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !sec.TLS.Enabled {
		return NewConn(raw), nil
	}
	tlsCfg, err := sec.ClientTLSConfig(addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewConn(conn), nil
}

// Listen opens a TCP or TLS listener according to sec.
func Listen(addr string, sec Security) (net.Listener, error) {
	if err := sec.ValidateServer(); err != nil {
		return nil, err
	}
	if !sec.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := sec.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

func (c *Conn) Connected() bool {
	return !c.closed.Load()
}

func (c *Conn) Reader() io.Reader {
	return c.conn
}

func (c *Conn) Send(frame []byte, deadline time.Time) error {
	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(frame)
	return err
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) NeedsReceiveLoop() bool {
	return true
}

// AfterConnect finishes a pending server-side TLS handshake before traffic flows.
func (c *Conn) AfterConnect(ctx context.Context) error {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return tlsConn.HandshakeContext(ctx)
}

func (c *Conn) RemoteAddr() string {
	if c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// PeerIdentity returns the verified client certificate name, if any.
func (c *Conn) PeerIdentity() string {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return ""
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	cert := state.PeerCertificates[0]
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}
