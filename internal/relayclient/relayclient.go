// Package relayclient is the peer side of the relay websocket. It keeps one
// persistent connection, delivers inbound events on a channel and sends
// outbound events through a buffered writer.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/peerlink/internal/models"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	maxMessageSize  = 64 * 1024
	sendBufferSize  = 256
	eventBufferSize = 256
)

var (
	ErrClosed    = errors.New("relayclient: connection closed")
	ErrNoWelcome = errors.New("relayclient: relay did not send a welcome")
)

// Client is a live relay connection. Emit is safe for concurrent use.
type Client struct {
	conn     *websocket.Conn
	id       string
	username string
	logger   *slog.Logger

	send   chan []byte
	events chan models.SignalMessage

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // guards err
	err       error
}

// Dial connects to the relay websocket at rawURL, authenticating with token,
// and waits for the welcome event carrying the assigned identity.
func Dial(ctx context.Context, rawURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	var welcome models.SignalMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != models.SignalTypeWelcome || welcome.PeerID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: got %q", ErrNoWelcome, welcome.Type)
	}

	c := &Client{
		conn:     conn,
		id:       welcome.PeerID,
		username: welcome.Username,
		logger:   logger.With("peer", welcome.PeerID),
		send:     make(chan []byte, sendBufferSize),
		events:   make(chan models.SignalMessage, eventBufferSize),
		done:     make(chan struct{}),
	}
	c.logger.Info("connected to relay", "username", c.username)

	go c.writePump()
	go c.readPump()
	return c, nil
}

// ID returns the identity the relay assigned to this connection.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Username() string {
	return c.username
}

// Events delivers inbound relay events in arrival order. It is closed when
// the connection ends.
func (c *Client) Events() <-chan models.SignalMessage {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Emit queues msg for the relay.
func (c *Client) Emit(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close says goodbye to the relay and drops the connection. The relay then
// announces the drop to the session partner, if any.
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer close(c.events)
	defer c.shutdown(nil)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("relay connection lost", "err", err)
				}
				c.shutdown(err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("failed to parse relay message", "err", err)
			continue
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			return
		}
	}
}
