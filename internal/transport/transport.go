// Package transport defines the peer transport boundary and the
// connection registry shared by its implementations.
package transport

import (
	"context"
	"io"
)

// Conn is one bidirectional data channel to a remote peer.
type Conn interface {
	PeerID() string

	// Open reports whether the channel is confirmed open.
	Open() bool

	// Send writes one message. It fails if the channel is not open.
	Send(data []byte) error

	// NotifyOpen registers fn to run once the channel opens. If the
	// channel is already open, fn runs immediately. Each registered
	// fn runs at most once.
	NotifyOpen(fn func())

	Close() error
}

// Transport establishes connections to peers and delivers inbound
// data to a single handler.
type Transport interface {
	// Connect returns the connection for peerID, initiating one if
	// none is registered. Connecting to an already-registered peer
	// returns the existing connection.
	Connect(ctx context.Context, peerID string) (Conn, error)

	// HandleSignal feeds a relayed signal from the signaling service
	// into connection setup.
	HandleSignal(sig Signal) error

	// Accept yields connections opened by remote peers.
	Accept() <-chan Conn

	// SetOnMessage registers the single inbound handler. Messages on
	// one connection are delivered in arrival order; re-registration
	// replaces the previous handler.
	SetOnMessage(fn func(peerID string, data []byte))

	Close() error
}

// Signal is a connection-setup payload relayed via the signaling
// service to or from the peer identified by PeerID.
type Signal struct {
	PeerID  string
	Payload []byte
}

// Signaler is the narrow slice of the signaling service the transport
// depends on.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, payload []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}
