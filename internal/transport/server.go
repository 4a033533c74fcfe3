package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Config holds per-connection transport settings.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Handler receives connection lifecycle events and inbound frames. The
// control plane implements this; the transport knows nothing about the
// message protocol.
type Handler interface {
	HandleConnect(connID string, peer Peer, remoteAddr string)
	HandleMessage(ctx context.Context, connID string, peer Peer, msg []byte)
	HandleDisconnect(connID string, peer Peer, err error)
}

// Sender is the outbound half exposed to the control plane.
type Sender interface {
	Send(connID string, msg []byte) bool
	CloseConn(connID string, reason string)
}

// Server accepts WebSocket connections on two endpoints, /ws/client for
// managed machines and /ws/attendant for operator consoles, and bridges
// them to a Handler.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	http *http.Server
	wg   sync.WaitGroup
	ctx  context.Context
}

func NewServer(ctx context.Context, cfg Config, handler Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[string]*Conn),
		ctx:     ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", func(w http.ResponseWriter, r *http.Request) {
		s.accept(w, r, PeerMachine)
	})
	mux.HandleFunc("/ws/attendant", func(w http.ResponseWriter, r *http.Request) {
		s.accept(w, r, PeerAttendant)
	})

	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	return s
}

// Run serves until the root context is cancelled, then shuts down.
func (s *Server) Run() error {
	go func() {
		s.logger.Info("WebSocket server starting", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("WebSocket server failed", "error", err)
		}
	}()

	<-s.ctx.Done()
	return s.Shutdown()
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, peer Peer) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("Failed to accept websocket connection", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := newConn(s.ctx, &s.wg, ws, peer, s.cfg, s.logger)
	conn.onMessage = func(ctx context.Context, c *Conn, msg []byte) {
		s.handler.HandleMessage(ctx, c.id, c.peer, msg)
	}
	conn.onClose = func(c *Conn, err error) {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.handler.HandleDisconnect(c.id, c.peer, err)
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	s.handler.HandleConnect(conn.id, peer, r.RemoteAddr)
	conn.run()
	<-conn.Done()
}

// Send queues a message to a connection. Returns false when the connection
// is unknown, which happens routinely when a peer drops mid-dispatch.
func (s *Server) Send(connID string, msg []byte) bool {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	conn.Send(msg)
	return true
}

// CloseConn closes a single connection by id.
func (s *Server) CloseConn(connID string, reason string) {
	s.mu.RLock()
	conn, ok := s.conns[connID]
	s.mu.RUnlock()
	if ok {
		conn.Close(errors.New(reason))
	}
}

// Shutdown stops accepting, closes every connection and waits for the pumps.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down WebSocket server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Close(errors.New("graceful shutdown"))
	}

	s.wg.Wait()
	s.logger.Info("WebSocket server stopped")
	return nil
}
