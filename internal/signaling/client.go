package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/transport"
)

// ErrIDUnavailable reports that the requested identity is already
// bound by another client. Recoverable: retry without a preferred id.
var ErrIDUnavailable = errors.New("signaling: requested id unavailable")

// Client speaks the signaling contract over a WebSocket: bind once to
// obtain an identity, then relay opaque signals to and from peers.
// It implements transport.Signaler.
type Client struct {
	url string
	log *logrus.Logger

	mu     sync.Mutex // guards conn and writes to it
	conn   *websocket.Conn
	id     string
	closed bool

	signals      chan transport.Signal
	disconnected chan struct{}
}

func NewClient(url string, log *logrus.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		signals:      make(chan transport.Signal, 64),
		disconnected: make(chan struct{}, 1),
	}
}

// Bind dials the service and requests an identity. With a preferred
// id the server either honors it or answers unavailable-id; without
// one it assigns a fresh identity. On any failure the dialed
// connection is torn down so the attempt leaves no state behind.
func (c *Client) Bind(ctx context.Context, preferredID string) (string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("dial signaling service: %w", err)
	}

	bind := Message{Type: TypeBind, From: preferredID}
	data, err := bind.Marshal()
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("send bind: %w", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("read bind response: %w", err)
	}

	msg, err := Unmarshal(raw)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("parse bind response: %w", err)
	}

	switch msg.Type {
	case TypeBound:
		c.mu.Lock()
		c.conn = conn
		c.id = msg.From
		c.mu.Unlock()
		go c.readPump(conn)
		return msg.From, nil
	case TypeError:
		_ = conn.Close()
		if msg.Error == reasonIDTaken {
			return "", fmt.Errorf("%w: %s", ErrIDUnavailable, preferredID)
		}
		return "", fmt.Errorf("signaling service rejected bind: %s", msg.Error)
	default:
		_ = conn.Close()
		return "", fmt.Errorf("unexpected bind response type %q", msg.Type)
	}
}

// Reconnect re-dials the service and rebinds the identity assigned by
// the previous Bind. Used for the single reconnect attempt after a
// signaling disconnect.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return errors.New("signaling: reconnect before bind")
	}
	_, err := c.Bind(ctx, id)
	return err
}

// ID returns the bound identity, empty before Bind succeeds.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SendSignal relays an opaque connection-setup payload to a peer.
func (c *Client) SendSignal(_ context.Context, peerID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("signaling: not connected")
	}

	msg := Message{
		Type:    TypeSignal,
		From:    c.id,
		To:      peerID,
		Payload: json.RawMessage(payload),
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// RecvSignal yields signals relayed from peers, in arrival order.
func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

// Disconnected signals that the connection to the signaling service
// dropped. At most one notification is delivered per drop.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if !closed {
				c.log.Warnf("signaling connection lost: %v", err)
				select {
				case c.disconnected <- struct{}{}:
				default:
				}
			}
			return
		}

		msg, err := Unmarshal(raw)
		if err != nil {
			c.log.Warnf("dropping malformed signaling frame: %v", err)
			continue
		}

		switch msg.Type {
		case TypeSignal:
			c.signals <- transport.Signal{PeerID: msg.From, Payload: msg.Payload}
		case TypeLeave:
			c.log.Debugf("peer %s left signaling", msg.From)
		default:
			// Unknown frame types are dropped for forward compatibility.
			c.log.Debugf("ignoring signaling frame type %q", msg.Type)
		}
	}
}
