// Package signaling is the operator side of the relay connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/robot-teleop/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait        = 5 * time.Second
	pongWait         = 30 * time.Second
	pingPeriod       = (pongWait * 2) / 3
	closeGrace       = time.Second
	handshakeTimeout = 5 * time.Second
	maxMessageSize   = 64 * 1024

	incomingQueueSize = 64
	outgoingQueueSize = 64
)

var (
	ErrClosed    = errors.New("relay connection is closed")
	ErrQueueFull = errors.New("relay send queue is full")
)

// Client is a relay connection. Outbound envelopes are queued and written
// by a single writer goroutine; inbound frames are parsed by a single reader
// goroutine and delivered through Incoming in arrival order.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	incoming chan model.Envelope
	outgoing chan []byte
	stop     chan struct{}
	readDone chan struct{}

	mx        sync.Mutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, logger *zerolog.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With().Str("component", "relay-client").Logger(),
		incoming: make(chan model.Envelope, incomingQueueSize),
		outgoing: make(chan []byte, outgoingQueueSize),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Debug().Str("url", url).Msg("relay connected")
	return c, nil
}

// Incoming is closed when the relay connection ends.
func (c *Client) Incoming() <-chan model.Envelope {
	return c.incoming
}

// Send queues env for writing. It never blocks.
func (c *Client) Send(env model.Envelope) error {
	frame, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.outgoing <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close flushes queued envelopes, performs the closing handshake and waits
// for both pumps to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(c.markClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.readDone)
		close(c.incoming)
		c.wg.Done()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Msg("relay closed the connection")
			} else {
				c.logger.Debug().Err(err).Msg("relay read finished")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := model.ParseEnvelope(msg)
		if err != nil {
			c.logger.Debug().Err(err).Msg("malformed envelope dropped")
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.stop:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.stop)
		c.closeConn()
		c.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.outgoing:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write envelope")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
		case <-c.readDone:
			// Relay went away; later Sends fail with ErrClosed.
			c.markClosed()
			return
		}
	}
}

func (c *Client) write(msgType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(msgType, data)
}

// writeClose sends the close frame and gives the relay a moment to answer
// it, so envelopes written just before are processed rather than reset.
func (c *Client) writeClose() {
	err := c.write(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to send close frame")
		return
	}
	select {
	case <-c.readDone:
	case <-time.After(closeGrace):
	}
}

func (c *Client) markClosed() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outgoing)
	}
}

func (c *Client) closeConn() {
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to close connection")
	}
}
