package ws

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/termlinkky/server/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 256
	defaultInputRate  = 1000
	defaultInputBurst = 64
)

// ClientOptions tunes one connection.
type ClientOptions struct {
	// SendBuffer is the number of outbound chunks queued before Send blocks.
	SendBuffer int

	// InputRate and InputBurst bound inbound messages per second. A client
	// over its budget waits; other clients are unaffected.
	InputRate  rate.Limit
	InputBurst int

	PingPeriod time.Duration
	PongWait   time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.InputRate <= 0 {
		o.InputRate = defaultInputRate
	}
	if o.InputBurst <= 0 {
		o.InputBurst = defaultInputBurst
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// Client is one websocket connection. It implements session.Sink: output is
// queued by Send and written by WritePump, one text frame per chunk.
type Client struct {
	conn    *websocket.Conn
	opts    ClientOptions
	limiter *rate.Limiter
	logger  *zap.Logger

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// carry holds an incomplete UTF-8 sequence split across chunks.
	// Only WritePump touches it.
	carry []byte
}

// NewClient wraps conn. The pumps are not started.
func NewClient(conn *websocket.Conn, opts ClientOptions, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Client{
		conn:      conn,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.InputRate, opts.InputBurst),
		logger:    logger,
		send:      make(chan []byte, opts.SendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send queues data for the peer. It blocks while the queue is full, until
// ctx ends or the client is closed.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return model.ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return model.ErrClientClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.ErrSendTimeout
		}
		return ctx.Err()
	}
}

// Close disconnects the client with a normal closure.
func (c *Client) Close() error {
	c.CloseWithReason(websocket.CloseNormalClosure, "")
	return nil
}

// CloseWithReason disconnects the client. The write pump flushes queued
// output and sends a close frame carrying code and reason.
func (c *Client) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads inbound frames until the connection fails or onInput
// returns an error. Each frame's payload is handed to onInput as raw input.
// The client is closed when ReadPump returns.
func (c *Client) ReadPump(ctx context.Context, onInput func(ctx context.Context, data []byte) error) error {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return nil
		}
		if len(message) == 0 {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := onInput(ctx, message); err != nil {
			return err
		}
	}
}

// WritePump writes queued output and keepalive pings until the client is
// closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			if len(c.carry) > 0 {
				c.carry = nil
				c.writeText(string(utf8.RuneError))
			}
			return
		}
	}
}

func (c *Client) write(message []byte) error {
	text, rest := decodeUTF8(c.carry, message)
	c.carry = rest
	if text == "" {
		return nil
	}
	return c.writeText(text)
}

func (c *Client) writeText(text string) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}
