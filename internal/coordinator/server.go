package coordinator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// WriteTimeout bounds a single frame write.
const WriteTimeout = 10 * time.Second

// wsConn adapts a websocket to Conn. Writes are serialised because
// handlers, the liveness monitor and the talk layer all write.
type wsConn struct {
	ws   *websocket.Conn
	addr string

	mu sync.Mutex
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a websocket ping. The peer's websocket stack answers it with
// a pong whether or not the node itself has anything to say.
func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout))
}

func (c *wsConn) Close() error { return c.ws.Close() }

func (c *wsConn) RemoteAddr() string { return c.addr }

// Server is the Connection Manager: it upgrades node connections to
// websockets and feeds their frames to the coordinator.
type Server struct {
	c        *Coordinator
	upgrader websocket.Upgrader
}

// NewServer returns an http.Handler accepting node connections for c.
func NewServer(c *Coordinator) *Server {
	return &Server{
		c: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// nodes are servers, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{ws: ws, addr: r.RemoteAddr}
	n := s.c.Attach(conn)

	reason := "closed"
	defer func() {
		ws.Close()
		s.c.Detach(n, reason)
	}()

	// a peer that neither sends frames nor answers pings is gone
	pongWait := s.c.pongWait()
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = closeErr.Error()
			} else if !errors.Is(err, net.ErrClosed) {
				reason = err.Error()
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.c.Receive(ctx, n, message)
		}
	}
}

// ListenAndServe serves node connections on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	glog.Infof("WebSocket API is available at %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// closeAll closes every node connection; their read loops then detach them.
func (s *Server) closeAll() {
	for _, n := range s.c.nodes.All() {
		n.conn.Close()
	}
}
