package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/protocol"
	"github.com/Sunbridger/wechat-app/internal/transport"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeConn struct {
	peerID string

	mu      sync.Mutex
	open    bool
	openFns []func()
	sent    [][]byte
}

func (c *fakeConn) PeerID() string { return c.peerID }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("channel not open")
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) NotifyOpen(fn func()) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		fn()
		return
	}
	c.openFns = append(c.openFns, fn)
	c.mu.Unlock()
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) markOpen() {
	c.mu.Lock()
	c.open = true
	fns := c.openFns
	c.openFns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeTransport struct {
	registry *transport.Registry

	mu        sync.Mutex
	conns     map[string]*fakeConn
	connects  int
	onMessage func(peerID string, data []byte)
	accepted  chan transport.Conn
}

func newFakeTransport(reg *transport.Registry) *fakeTransport {
	return &fakeTransport{
		registry: reg,
		conns:    make(map[string]*fakeConn),
		accepted: make(chan transport.Conn, 4),
	}
}

func (t *fakeTransport) Connect(_ context.Context, peerID string) (transport.Conn, error) {
	if existing, _, ok := t.registry.Get(peerID); ok {
		return existing, nil
	}

	conn := &fakeConn{peerID: peerID}
	if !t.registry.Track(peerID, conn) {
		existing, _, _ := t.registry.Get(peerID)
		return existing, nil
	}

	t.mu.Lock()
	t.conns[peerID] = conn
	t.connects++
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) HandleSignal(sig transport.Signal) error { return nil }

func (t *fakeTransport) Accept() <-chan transport.Conn { return t.accepted }

func (t *fakeTransport) SetOnMessage(fn func(peerID string, data []byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error { return nil }

// deliver feeds inbound bytes the way an open data channel would.
func (t *fakeTransport) deliver(peerID string, data []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(peerID, data)
	}
}

func (t *fakeTransport) conn(peerID string) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[peerID]
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type fakeSignaling struct {
	mu           sync.Mutex
	bindErr      error
	boundID      string
	bindCalls    []string
	bindGate     chan struct{}
	reconnectErr error
	reconnects   int
	signals      chan transport.Signal
	drops        chan struct{}
}

func newFakeSignaling(boundID string) *fakeSignaling {
	return &fakeSignaling{
		boundID: boundID,
		signals: make(chan transport.Signal, 8),
		drops:   make(chan struct{}, 1),
	}
}

func (s *fakeSignaling) Bind(_ context.Context, preferredID string) (string, error) {
	s.mu.Lock()
	gate := s.bindGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindCalls = append(s.bindCalls, preferredID)
	if s.bindErr != nil {
		return "", s.bindErr
	}
	return s.boundID, nil
}

func (s *fakeSignaling) Reconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return s.reconnectErr
}

func (s *fakeSignaling) SendSignal(_ context.Context, peerID string, payload []byte) error {
	return nil
}

func (s *fakeSignaling) RecvSignal() <-chan transport.Signal { return s.signals }

func (s *fakeSignaling) Disconnected() <-chan struct{} { return s.drops }

func (s *fakeSignaling) Close() error { return nil }

func (s *fakeSignaling) bindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindCalls)
}

func (s *fakeSignaling) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

type testHarness struct {
	sess *Session
	sig  *fakeSignaling
	tr   *fakeTransport
	reg  *transport.Registry

	assigned chan string

	mu       sync.Mutex
	statuses []StatusUpdate
}

func newHarness(sig *fakeSignaling) *testHarness {
	reg := transport.NewRegistry(newTestLogger())
	tr := newFakeTransport(reg)
	h := &testHarness{
		sig:      sig,
		tr:       tr,
		reg:      reg,
		assigned: make(chan string, 2),
	}
	h.sess = New(sig, tr, reg, newTestLogger(), WithBindBackoff(time.Millisecond))
	h.sess.SetOnIDAssigned(func(id string) { h.assigned <- id })
	h.sess.SetOnStatusChange(func(update StatusUpdate) {
		h.mu.Lock()
		h.statuses = append(h.statuses, update)
		h.mu.Unlock()
	})
	return h
}

func (h *testHarness) waitReady(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.assigned:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for identity assignment")
		return ""
	}
}

func (h *testHarness) statusSnapshot() []StatusUpdate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StatusUpdate(nil), h.statuses...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestInitAssignsIdentity(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))
	h.sess.Init(context.Background(), "abc123")

	if id := h.waitReady(t); id != "abc123" {
		t.Errorf("Expected id 'abc123', got %q", id)
	}
	if h.sess.MyID() != "abc123" {
		t.Errorf("Expected MyID 'abc123', got %q", h.sess.MyID())
	}

	waitFor(t, "connected status", func() bool {
		statuses := h.statusSnapshot()
		return len(statuses) > 0 && statuses[len(statuses)-1].Status == StatusConnected
	})
}

func TestInitIsIdempotent(t *testing.T) {
	sig := newFakeSignaling("abc123")
	sig.bindGate = make(chan struct{})
	h := newHarness(sig)

	ctx := context.Background()
	h.sess.Init(ctx, "abc123")
	h.sess.Init(ctx, "abc123")
	close(sig.bindGate)

	h.waitReady(t)

	// A third call after initialization must also be a no-op.
	h.sess.Init(ctx, "abc123")
	time.Sleep(50 * time.Millisecond)

	if got := sig.bindCount(); got != 1 {
		t.Errorf("Expected a single bind, got %d", got)
	}
	select {
	case <-h.assigned:
		t.Error("Expected a single identity assignment")
	default:
	}
}

func TestInitFailureAllowsRetry(t *testing.T) {
	sig := newFakeSignaling("abc123")
	sig.bindErr = errors.New("dial signaling service: connection refused")
	h := newHarness(sig)

	ctx := context.Background()
	h.sess.Init(ctx, "abc123")

	waitFor(t, "error status", func() bool {
		for _, update := range h.statusSnapshot() {
			if update.Status == StatusError {
				return true
			}
		}
		return false
	})

	// The failure resets the session, so a later Init starts over.
	sig.mu.Lock()
	sig.bindErr = nil
	sig.mu.Unlock()
	h.sess.Init(ctx, "abc123")

	if id := h.waitReady(t); id != "abc123" {
		t.Errorf("Expected id 'abc123' on retry, got %q", id)
	}
}

func TestConnectToSelfIsRejected(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))
	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	h.sess.ConnectToPeer("abc123")

	if h.reg.Len() != 0 {
		t.Errorf("Expected no registered connections, got %d", h.reg.Len())
	}
	if h.tr.connectCount() != 0 {
		t.Errorf("Expected no transport connect, got %d", h.tr.connectCount())
	}

	waitFor(t, "self-connect notice", func() bool {
		for _, update := range h.statusSnapshot() {
			if update.Detail == "You cannot add yourself as a friend" {
				return true
			}
		}
		return false
	})
}

func TestConnectBeforeInitIsIgnored(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))

	h.sess.ConnectToPeer("xyz789")

	if h.tr.connectCount() != 0 {
		t.Errorf("Expected no transport connect before init, got %d", h.tr.connectCount())
	}
}

func TestSendMessageQueuesUntilOpen(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))
	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	msg := protocol.ChatMessage{ID: "m1", Content: "hi", SenderID: "me", Type: protocol.TypeText}
	h.sess.SendMessage("xyz789", msg, protocol.UserInfo{ID: "abc123", Name: "Me"})

	conn := h.tr.conn("xyz789")
	if conn == nil {
		t.Fatal("Expected a connection attempt to xyz789")
	}
	if conn.sentCount() != 0 {
		t.Fatalf("Expected no send before the channel opens, got %d", conn.sentCount())
	}

	conn.markOpen()

	if conn.sentCount() != 1 {
		t.Fatalf("Expected exactly one delivery after open, got %d", conn.sentCount())
	}

	// The queued payload is a decodable chat envelope.
	env, err := protocol.NewCodec().Decode(conn.sent[0])
	if err != nil {
		t.Fatalf("Failed to decode queued envelope: %v", err)
	}
	if env.Message.Content != "hi" || env.SenderInfo.ID != "abc123" {
		t.Errorf("Unexpected envelope content: %+v", env)
	}
}

func TestSendMessageUsesOpenConnection(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))
	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	conn := &fakeConn{peerID: "xyz789", open: true}
	h.reg.Track("xyz789", conn)
	h.reg.MarkOpen("xyz789", conn)

	msg := protocol.ChatMessage{ID: "m1", Content: "hi", SenderID: "me", Type: protocol.TypeText}
	h.sess.SendMessage("xyz789", msg, protocol.UserInfo{ID: "abc123"})

	if conn.sentCount() != 1 {
		t.Errorf("Expected one direct send, got %d", conn.sentCount())
	}
	if h.tr.connectCount() != 0 {
		t.Errorf("Expected no new connection, got %d", h.tr.connectCount())
	}
}

// vanishingTransport models a connect attempt whose winning
// registration is evicted again before the handle is returned.
type vanishingTransport struct {
	*fakeTransport
}

func (t *vanishingTransport) Connect(_ context.Context, _ string) (transport.Conn, error) {
	return nil, nil
}

func TestSendMessageSurvivesVanishedConnection(t *testing.T) {
	sig := newFakeSignaling("abc123")
	reg := transport.NewRegistry(newTestLogger())
	tr := &vanishingTransport{fakeTransport: newFakeTransport(reg)}
	sess := New(sig, tr, reg, newTestLogger(), WithBindBackoff(time.Millisecond))

	assigned := make(chan string, 1)
	sess.SetOnIDAssigned(func(id string) { assigned <- id })
	sess.Init(context.Background(), "abc123")
	select {
	case <-assigned:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for identity assignment")
	}

	// Must log the lost message, not panic.
	msg := protocol.ChatMessage{ID: "m1", Content: "hi", SenderID: "me", Type: protocol.TypeText}
	sess.SendMessage("xyz789", msg, protocol.UserInfo{ID: "abc123"})
}

func TestInboundDispatchInOrder(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))

	var mu sync.Mutex
	var received []string
	h.sess.SetOnMessageReceived(func(env protocol.Envelope) {
		mu.Lock()
		received = append(received, env.Message.Content)
		mu.Unlock()
	})

	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	codec := protocol.NewCodec()
	for _, content := range []string{"first", "second"} {
		data, err := codec.Encode(protocol.NewChatEnvelope(
			protocol.ChatMessage{ID: content, Content: content, Type: protocol.TypeText},
			protocol.UserInfo{ID: "xyz789", Name: "Bob"},
		))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		h.tr.deliver("xyz789", data)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != "first" || received[1] != "second" {
		t.Errorf("Expected [first second], got %v", received)
	}
}

func TestInboundUnknownKindDropped(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))

	var mu sync.Mutex
	delivered := 0
	h.sess.SetOnMessageReceived(func(env protocol.Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	h.tr.deliver("xyz789", []byte(`{"type":"PING","message":{},"senderInfo":{}}`))
	h.tr.deliver("xyz789", []byte(`{not json`))

	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("Expected unknown and malformed payloads to be dropped, got %d deliveries", delivered)
	}
}

func TestSignalingReconnectOnce(t *testing.T) {
	sig := newFakeSignaling("abc123")
	h := newHarness(sig)
	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	sig.drops <- struct{}{}

	waitFor(t, "reconnect attempt", func() bool { return sig.reconnectCount() == 1 })

	waitFor(t, "connected status after reconnect", func() bool {
		statuses := h.statusSnapshot()
		return len(statuses) > 0 && statuses[len(statuses)-1].Status == StatusConnected
	})

	// No further attempts without another drop notice.
	time.Sleep(50 * time.Millisecond)
	if got := sig.reconnectCount(); got != 1 {
		t.Errorf("Expected a single reconnect attempt, got %d", got)
	}
}

func TestSignalingReconnectFailure(t *testing.T) {
	sig := newFakeSignaling("abc123")
	h := newHarness(sig)
	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	sig.mu.Lock()
	sig.reconnectErr = errors.New("dial signaling service: connection refused")
	sig.mu.Unlock()

	sig.drops <- struct{}{}

	waitFor(t, "error status after failed reconnect", func() bool {
		statuses := h.statusSnapshot()
		return len(statuses) > 0 && statuses[len(statuses)-1].Status == StatusError
	})
	if got := sig.reconnectCount(); got != 1 {
		t.Errorf("Expected a single reconnect attempt, got %d", got)
	}
}

func TestLastHandlerWins(t *testing.T) {
	h := newHarness(newFakeSignaling("abc123"))

	var mu sync.Mutex
	var first, second int
	h.sess.SetOnMessageReceived(func(env protocol.Envelope) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	h.sess.SetOnMessageReceived(func(env protocol.Envelope) {
		mu.Lock()
		second++
		mu.Unlock()
	})

	h.sess.Init(context.Background(), "abc123")
	h.waitReady(t)

	data, err := protocol.NewCodec().Encode(protocol.NewChatEnvelope(
		protocol.ChatMessage{ID: "m1", Content: "hi", Type: protocol.TypeText},
		protocol.UserInfo{ID: "xyz789"},
	))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h.tr.deliver("xyz789", data)

	mu.Lock()
	defer mu.Unlock()
	if first != 0 {
		t.Errorf("Expected the replaced handler to stay silent, got %d calls", first)
	}
	if second != 1 {
		t.Errorf("Expected the latest handler to receive the message, got %d calls", second)
	}
}
