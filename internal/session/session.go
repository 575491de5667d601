// Package session is the peer messaging orchestrator the rest of the
// application talks to: it binds an identity, brokers connections and
// sends and receives chat envelopes.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/identity"
	"github.com/Sunbridger/wechat-app/internal/protocol"
	"github.com/Sunbridger/wechat-app/internal/transport"
)

// Status is the session's connection state toward the signaling
// service. Last status wins; no history is kept.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRetrying     Status = "retrying"
	StatusError        Status = "error"
)

// StatusUpdate pairs a status with an optional human-readable detail.
type StatusUpdate struct {
	Status Status
	Detail string
}

// SignalingService is the slice of the signaling client the session
// composes: identity binding, signal relay, and disconnect notice.
type SignalingService interface {
	transport.Signaler
	Bind(ctx context.Context, preferredID string) (string, error)
	Reconnect(ctx context.Context) error
	Disconnected() <-chan struct{}
}

type initState int

const (
	initIdle initState = iota
	initInProgress
	initReady
)

// Session wires identity binding, the connection registry and the
// transport behind a small callback-based surface. None of its
// methods return errors to the caller; failures become status
// notifications or logged drops.
type Session struct {
	signaling SignalingService
	transport transport.Transport
	registry  *transport.Registry
	codec     *protocol.Codec
	log       *logrus.Logger

	bindBackoff time.Duration

	mu           sync.Mutex
	ctx          context.Context
	state        initState
	myID         string
	lastStatus   Status
	onMessage    func(env protocol.Envelope)
	onIDAssigned func(id string)
	onStatus     func(update StatusUpdate)
}

type Option func(*Session)

// WithBindBackoff overrides the identity-conflict retry backoff.
func WithBindBackoff(d time.Duration) Option {
	return func(s *Session) { s.bindBackoff = d }
}

func New(sig SignalingService, tr transport.Transport, reg *transport.Registry, log *logrus.Logger, opts ...Option) *Session {
	s := &Session{
		signaling:   sig,
		transport:   tr,
		registry:    reg,
		codec:       protocol.NewCodec(),
		log:         log,
		bindBackoff: identity.DefaultBackoff,
		lastStatus:  StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init acquires an identity, preferring savedID when non-empty, and
// starts the signal pumps. A second call while initializing or
// initialized is a no-op.
func (s *Session) Init(ctx context.Context, savedID string) {
	s.mu.Lock()
	if s.state != initIdle {
		s.mu.Unlock()
		return
	}
	s.state = initInProgress
	s.ctx = ctx
	s.mu.Unlock()

	binder := identity.NewBinder(s.signaling, identity.Events{
		OnAcquiring: func(attempt int) {
			s.notify(StatusConnecting, "")
		},
		OnConflict: func(attempt int) {
			s.notify(StatusRetrying, "peer address taken, requesting a fresh one")
		},
		OnBound: s.handleBound,
		OnFailed: func(err error) {
			s.mu.Lock()
			s.state = initIdle
			s.mu.Unlock()
			s.notify(StatusError, err.Error())
		},
	}, s.log, identity.WithBackoff(s.bindBackoff))

	binder.Acquire(ctx, savedID)
}

// MyID returns the bound peer address, empty before Init completes.
func (s *Session) MyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myID
}

// ConnectToPeer initiates a connection to a remote peer. Connecting
// to yourself is rejected with a notice; connecting to a peer that
// already has a registered connection is a no-op.
func (s *Session) ConnectToPeer(remoteID string) {
	s.mu.Lock()
	ready := s.state == initReady
	self := remoteID == s.myID
	ctx := s.ctx
	s.mu.Unlock()

	if !ready {
		s.log.Warnf("connect to %s ignored: session not initialized", remoteID)
		return
	}
	if remoteID == "" {
		return
	}
	if self {
		s.notifyDetail("You cannot add yourself as a friend")
		return
	}

	if _, err := s.transport.Connect(ctx, remoteID); err != nil {
		s.log.Warnf("failed to connect to %s: %v", remoteID, err)
	}
}

// SendMessage wraps a chat message for a remote peer and sends it. If
// no open channel exists, a connection is initiated and the envelope
// is delivered exactly once when it opens. If that connection attempt
// fails, the message is lost; there is no further retry.
func (s *Session) SendMessage(remoteID string, msg protocol.ChatMessage, localUser protocol.UserInfo) {
	s.mu.Lock()
	ready := s.state == initReady
	ctx := s.ctx
	s.mu.Unlock()

	if !ready {
		s.log.Warnf("send to %s ignored: session not initialized", remoteID)
		return
	}

	env := protocol.NewChatEnvelope(msg, localUser)
	data, err := s.codec.Encode(env)
	if err != nil {
		s.log.Errorf("failed to encode message for %s: %v", remoteID, err)
		return
	}

	if conn, ok := s.registry.OpenConn(remoteID); ok {
		if err := conn.Send(data); err != nil {
			s.log.Warnf("failed to send to %s: %v", remoteID, err)
		}
		return
	}

	conn, err := s.transport.Connect(ctx, remoteID)
	if err != nil {
		s.log.Warnf("message to %s not delivered: %v", remoteID, err)
		return
	}
	if conn == nil {
		s.log.Warnf("message to %s not delivered: no connection", remoteID)
		return
	}

	var once sync.Once
	conn.NotifyOpen(func() {
		once.Do(func() {
			if err := conn.Send(data); err != nil {
				s.log.Warnf("failed to send queued message to %s: %v", remoteID, err)
			}
		})
	})
}

// SetOnMessageReceived registers the inbound envelope handler. The
// latest registration wins.
func (s *Session) SetOnMessageReceived(fn func(env protocol.Envelope)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// SetOnIDAssigned registers the one-shot identity callback. The
// latest registration wins.
func (s *Session) SetOnIDAssigned(fn func(id string)) {
	s.mu.Lock()
	s.onIDAssigned = fn
	s.mu.Unlock()
}

// SetOnStatusChange registers the status handler. The latest
// registration wins.
func (s *Session) SetOnStatusChange(fn func(update StatusUpdate)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// Close tears the session down.
func (s *Session) Close() error {
	err := s.transport.Close()
	if cerr := s.signaling.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) handleBound(id string) {
	s.mu.Lock()
	s.myID = id
	s.state = initReady
	ctx := s.ctx
	onAssigned := s.onIDAssigned
	s.mu.Unlock()

	s.transport.SetOnMessage(s.handleInbound)

	go s.pumpSignals(ctx)
	go s.drainAccepted(ctx)
	go s.watchDisconnect(ctx)

	if onAssigned != nil {
		onAssigned(id)
	}
	s.notify(StatusConnected, "")
}

func (s *Session) pumpSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.signaling.RecvSignal():
			if !ok {
				return
			}
			if err := s.transport.HandleSignal(sig); err != nil {
				s.log.Warnf("signal from %s dropped: %v", sig.PeerID, err)
			}
		}
	}
}

func (s *Session) drainAccepted(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-s.transport.Accept():
			if !ok {
				return
			}
			s.log.Infof("peer %s connected", conn.PeerID())
		}
	}
}

// watchDisconnect attempts a single reconnect per signaling drop; it
// does not loop on repeated failures.
func (s *Session) watchDisconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signaling.Disconnected():
			s.notify(StatusDisconnected, "lost signaling connection")
			if err := s.signaling.Reconnect(ctx); err != nil {
				s.notify(StatusError, "signaling reconnect failed: "+err.Error())
				continue
			}
			s.notify(StatusConnected, "")
		}
	}
}

func (s *Session) handleInbound(peerID string, data []byte) {
	env, err := s.codec.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			s.log.Debugf("dropping envelope from %s: %v", peerID, err)
		} else {
			s.log.Warnf("dropping malformed payload from %s: %v", peerID, err)
		}
		return
	}

	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()

	if fn == nil {
		s.log.Debugf("no message handler registered, dropping envelope from %s", peerID)
		return
	}
	fn(env)
}

func (s *Session) notify(status Status, detail string) {
	s.mu.Lock()
	s.lastStatus = status
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(StatusUpdate{Status: status, Detail: detail})
	}
}

// notifyDetail re-emits the current status with a user-facing detail.
func (s *Session) notifyDetail(detail string) {
	s.mu.Lock()
	status := s.lastStatus
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(StatusUpdate{Status: status, Detail: detail})
	}
}
