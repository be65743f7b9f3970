package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrIdleTimeout is the close reason for a connection that sent nothing within ReadTimeout.
var ErrIdleTimeout = errors.New("idle timeout")

// callback executed when a message is received. Calls for one connection never overlap.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

// OnCloseHandler runs exactly once, after the connection is torn down.
type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
}

const defaultSendQueueSize = 256

// maximum length of a websocket close reason.
const maxCloseReason = 123

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	idle      *time.Timer
	wg        *sync.WaitGroup
	started   atomic.Bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	size := config.SendQueueSize
	if size <= 0 {
		size = defaultSendQueueSize
	}

	c := &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, size),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
	if config.ReadTimeout > 0 {
		// armed by Run, re-armed by every received frame
		c.idle = time.AfterFunc(config.ReadTimeout, func() { c.Close(ErrIdleTimeout) })
		c.idle.Stop()
	}
	return c
}

func (c *Connection) Run() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if c.wg != nil {
		c.wg.Add(1)
	}
	if c.idle != nil {
		c.idle.Reset(c.config.ReadTimeout)
	}
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.readMessage()
		if err != nil {
			readErr = err
			return
		}
		if c.idle != nil {
			c.idle.Reset(c.config.ReadTimeout)
		}
		if message == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// readMessage blocks until the next frame arrives.
// A nil message with nil error means a non-data frame was skipped.
func (c *Connection) readMessage() ([]byte, error) {
	typ, r, err := c.conn.Reader(c.ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Error("Connection readpump failed to read frame", slog.Any("error", err))
		return nil, err
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, message)
}

// TrySend queues a message without blocking. It reports false when the
// outbound queue is full or the connection is closed; the message is dropped.
func (c *Connection) TrySend(message []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		if c.idle != nil {
			c.idle.Stop()
		}
		// close frame first; a cancelled read drops the socket without one.
		if c.conn != nil {
			code, reason := closeFrame(err)
			c.conn.Close(code, reason)
		}
		c.cancel()
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.started.Load() && c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

func closeFrame(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, ErrIdleTimeout):
		return websocket.StatusPolicyViolation, ErrIdleTimeout.Error()
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, ""
	}
	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return websocket.StatusGoingAway, reason
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// QueueLen reports how many messages are waiting to be written.
func (c *Connection) QueueLen() int {
	return len(c.send)
}
