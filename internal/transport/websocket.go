package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn carries the frame byte stream over binary WebSocket messages.
// Message boundaries are not frame boundaries; the reader concatenates them.
type WSConn struct {
	ws     *websocket.Conn
	closed atomic.Bool

	writeMu sync.Mutex
	stream  *wsStream
}

type wsStream struct {
	ws  *websocket.Conn
	cur io.Reader
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws, stream: &wsStream{ws: ws}}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, timeout time.Duration, header http.Header) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws), nil
}

// NewUpgrader returns an upgrader for the server's WebSocket route.
func NewUpgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// Accept upgrades one HTTP request. Peers send at most one frame per message,
// so a message larger than a maximal frame is refused by the read limit.
func Accept(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, maxFrameBytes int) (*WSConn, error) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if maxFrameBytes > 0 {
		ws.SetReadLimit(int64(maxFrameBytes) + 4)
	}
	return NewWSConn(ws), nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			kind, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.ws.SetReadDeadline(t)
}

func (c *WSConn) Connected() bool {
	return !c.closed.Load()
}

func (c *WSConn) Reader() io.Reader {
	return c.stream
}

func (c *WSConn) Send(frame []byte, deadline time.Time) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WSConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WSConn) NeedsReceiveLoop() bool {
	return true
}

func (c *WSConn) AfterConnect(context.Context) error {
	return nil
}

func (c *WSConn) RemoteAddr() string {
	if c.ws.RemoteAddr() == nil {
		return ""
	}
	return c.ws.RemoteAddr().String()
}
