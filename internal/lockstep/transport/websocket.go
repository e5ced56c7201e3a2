package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWebSocketPath is the upgrade path served by WebSocketListener.
const DefaultWebSocketPath = "/lockstep"

// wsStream exposes a WebSocket connection as a byte stream. Each Write is
// sent as one binary message; reads drain messages back to back.
type wsStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu    sync.Mutex
	closed atomic.Bool
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// WebSocketListener serves WebSocket upgrades on an HTTP endpoint and hands
// each upgraded connection to Accept.
type WebSocketListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	incoming chan Stream
	closeCh  chan struct{}
	closed   atomic.Bool
}

// ListenWebSocket listens on addr and serves upgrades on path.
func ListenWebSocket(addr, path string) (*WebSocketListener, error) {
	if path == "" {
		path = DefaultWebSocketPath
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WebSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8 * 1024,
			WriteBufferSize: 8 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		incoming: make(chan Stream),
		closeCh:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := newWSStream(conn)
	select {
	case l.incoming <- s:
	case <-l.closeCh:
		_ = s.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept() (Stream, error) {
	select {
	case s := <-l.incoming:
		return s, nil
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

// Close stops serving upgrades. Streams already accepted stay open.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)
	return l.srv.Close()
}

// Addr returns the bound address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// WebSocketDialer dials ws:// endpoints. Addresses without a scheme are
// treated as host:port and get Path appended.
type WebSocketDialer struct {
	Path string
}

// Dial connects to addr.
func (d WebSocketDialer) Dial(ctx context.Context, addr string) (Stream, error) {
	target, err := d.url(addr)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

func (d WebSocketDialer) url(addr string) (string, error) {
	if u, err := url.Parse(addr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return u.String(), nil
	}
	path := d.Path
	if path == "" {
		path = DefaultWebSocketPath
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path}
	return u.String(), nil
}
