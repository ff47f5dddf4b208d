// Package identity owns the peer's relay connection: it generates the local
// peer identifier, registers it with the relay, dispatches inbound
// signaling messages and reconnects with a fixed delay when the connection
// drops.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dropwire/internal/signaling"
)

// Status of the relay connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const defaultReconnectDelay = 3 * time.Second

var ErrNotConnected = errors.New("relay connection is not live")

type Client struct {
	url string
	id  string
	log *logrus.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
	closed bool

	onEnvelope func(signaling.Envelope)
	onStatus   func(Status)

	reconnectDelay time.Duration
	done           chan struct{}
}

func NewClient(url string, log *logrus.Logger) *Client {
	return &Client{
		url:            url,
		id:             NewPeerID(),
		log:            log,
		status:         StatusDisconnected,
		reconnectDelay: defaultReconnectDelay,
		done:           make(chan struct{}),
	}
}

// ID returns the locally generated peer identifier.
func (c *Client) ID() string {
	return c.id
}

// OnEnvelope sets the handler for inbound signaling messages. Must be set
// before Connect.
func (c *Client) OnEnvelope(fn func(signaling.Envelope)) {
	c.onEnvelope = fn
}

// OnStatus sets the observer for relay connection status changes.
func (c *Client) OnStatus(fn func(Status)) {
	c.onStatus = fn
}

// Connect dials the relay, registers the peer identifier and starts the
// read loop. On connection loss it keeps reconnecting with a fixed delay
// until Close is called, re-registering the same identifier each time.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		c.setStatus(StatusError)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Send(signaling.Envelope{Type: signaling.TypeRegister, PeerID: c.id}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("registering with relay: %w", err)
	}

	c.setStatus(StatusConnected)
	c.log.Infof("Registered with relay as %s", c.id)

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.conn = nil
			c.mu.Unlock()

			if closed {
				return
			}
			c.log.Warnf("Relay connection lost: %v", err)
			c.setStatus(StatusDisconnected)
			go c.reconnectLoop()
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warnf("Dropping malformed relay message: %v", err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.reconnectDelay):
		}

		c.log.Info("Reconnecting to relay...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Warnf("Reconnect failed: %v", err)
	}
}

// Send marshals and writes one envelope to the relay.
func (c *Client) Send(env signaling.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the relay connection is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// Status returns the last observed relay connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close stops the reconnect loop and closes the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
