// Package webrtc implements the peer transport over WebRTC data
// channels, with connection setup brokered by the signaling service.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/transport"
)

// DefaultSTUNServers mirror the original client's ICE configuration.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

type Transport struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	registry *transport.Registry
	incoming chan transport.Conn
	log      *logrus.Logger

	mu        sync.Mutex
	onMessage func(peerID string, data []byte)
	closed    bool
}

// New creates a WebRTC transport registering its connections in reg.
func New(signaler transport.Signaler, reg *transport.Registry, stunServers []string, log *logrus.Logger) *Transport {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return &Transport{
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler: signaler,
		registry: reg,
		incoming: make(chan transport.Conn, 16),
		log:      log,
	}
}

// Connect returns the registered connection for peerID, initiating an
// outbound one if none exists. The new connection is registered as
// opening before the offer goes out. The returned connection is never
// nil on a nil error.
func (t *Transport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if existing, _, ok := t.registry.Get(peerID); ok {
			return existing, nil
		}

		conn, err := t.newConn(peerID, true)
		if err != nil {
			return nil, err
		}

		if !t.registry.Track(peerID, conn) {
			// Lost the race to a concurrent attempt. The winner may
			// already be evicted again, so retry the lookup rather
			// than hand back whatever Get finds now.
			_ = conn.Close()
			continue
		}

		if err := conn.startOffer(ctx); err != nil {
			t.registry.Evict(peerID, conn, transport.StateErrored)
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// HandleSignal routes a relayed signal into the matching connection.
// An offer from a peer always sets up a fresh answering connection,
// superseding whatever was registered (last inbound wins).
func (t *Transport) HandleSignal(sig transport.Signal) error {
	var payload signalPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		return fmt.Errorf("parse signal from %s: %w", sig.PeerID, err)
	}

	if payload.Kind == kindOffer {
		conn, err := t.newConn(sig.PeerID, false)
		if err != nil {
			return err
		}
		t.registry.AcceptInbound(sig.PeerID, conn)
		return conn.handleSignal(payload)
	}

	existing, _, ok := t.registry.Get(sig.PeerID)
	if !ok {
		return fmt.Errorf("signal %q for unknown peer %s", payload.Kind, sig.PeerID)
	}
	conn, ok := existing.(*connection)
	if !ok {
		return fmt.Errorf("connection to %s is not a webrtc connection", sig.PeerID)
	}
	return conn.handleSignal(payload)
}

// Accept yields connections opened by remote peers.
func (t *Transport) Accept() <-chan transport.Conn {
	return t.incoming
}

// SetOnMessage registers the single inbound data handler; the latest
// registration wins.
func (t *Transport) SetOnMessage(fn func(peerID string, data []byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	// Closing incoming in the same critical section that sets closed
	// keeps open notices from racing the close: they check and send
	// under the same lock.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.incoming)
	t.mu.Unlock()

	for _, peerID := range t.registry.Peers() {
		if conn, _, ok := t.registry.Get(peerID); ok {
			_ = conn.Close()
			t.registry.Evict(peerID, conn, transport.StateClosed)
		}
	}
	return nil
}

func (t *Transport) newConn(peerID string, isInitiator bool) (*connection, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc, t.signaler, isInitiator, t.log)
	conn.onData = t.dispatch
	conn.onOpen = func(c *connection) {
		t.registry.MarkOpen(c.peerID, c)
		if !c.isInitiator {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			select {
			case t.incoming <- c:
			default:
				t.log.Warnf("accept queue full, dropping open notice for %s", c.peerID)
			}
		}
	}
	conn.onClosed = func(c *connection, errored bool) {
		reason := transport.StateClosed
		if errored {
			reason = transport.StateErrored
		}
		t.registry.Evict(c.peerID, c, reason)
	}
	return conn, nil
}

func (t *Transport) dispatch(peerID string, data []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()

	if fn == nil {
		t.log.Debugf("dropping %d bytes from %s: no handler registered", len(data), peerID)
		return
	}
	fn(peerID, data)
}
