package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Peer identifies which endpoint a connection arrived on.
type Peer string

const (
	PeerMachine   Peer = "machine"
	PeerAttendant Peer = "attendant"
)

// Conn wraps a single WebSocket connection with a buffered outbound
// channel so Send never blocks handler goroutines.
type Conn struct {
	id   string
	peer Peer
	ws   *websocket.Conn
	send chan []byte

	readTimeout  time.Duration
	writeTimeout time.Duration

	onMessage func(ctx context.Context, c *Conn, msg []byte)
	onClose   func(c *Conn, err error)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	wg        *sync.WaitGroup

	logger *slog.Logger
}

func newConn(parent context.Context, wg *sync.WaitGroup, ws *websocket.Conn, peer Peer, cfg Config, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:           id,
		peer:         peer,
		ws:           ws,
		send:         make(chan []byte, 256),
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		wg:           wg,
		logger:       logger.With(slog.String("conn_id", id), slog.String("peer", string(peer))),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) PeerKind() Peer { return c.peer }

func (c *Conn) run() {
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()
	c.logger.Info("Connection established")
}

func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.readTimeout)
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			cancelRead()
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		msg, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c, msg)
		}
	}
}

func (c *Conn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			writeCtx, cancelWrite := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, msg)
			cancelWrite()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "server closing")
			return
		}
	}
}

// Send queues a message for delivery. Safe for concurrent use; drops the
// message once the connection is closing.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Warn("Dropped message for closed connection")
	}
}

// Close tears the connection down exactly once and fires the close callback.
// The send channel is never closed: a concurrent Send observes ctx.Done and
// drops the message instead of hitting a closed channel.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Connection closing", slog.Any("reason", err))
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when both pumps have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
