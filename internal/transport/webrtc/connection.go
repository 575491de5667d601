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

// signalPayload is the connection-setup message relayed through the
// signaling service. Kind selects which field is populated.
type signalPayload struct {
	Kind      string                   `json:"kind"` // offer | answer | candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	kindOffer     = "offer"
	kindAnswer    = "answer"
	kindCandidate = "candidate"
)

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	signaler    transport.Signaler
	isInitiator bool
	log         *logrus.Logger

	// transport-level lifecycle hooks, set before any signal flows
	onOpen   func(c *connection)
	onClosed func(c *connection, errored bool)
	onData   func(peerID string, data []byte)

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	open    bool
	done    bool
	openFns []func()
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, isInitiator bool, log *logrus.Logger) *connection {
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		isInitiator: isInitiator,
		log:         log,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("peer connection to %s: %s", peerID, s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed:
			conn.finish(true)
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			conn.finish(false)
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		if err := conn.sendSignal(context.Background(), signalPayload{Kind: kindCandidate, Candidate: &init}); err != nil {
			log.Warnf("failed to send ICE candidate to %s: %v", peerID, err)
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func (c *connection) createDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		fns := c.openFns
		c.openFns = nil
		c.mu.Unlock()

		c.log.Infof("data channel to %s open", c.peerID)
		if c.onOpen != nil {
			c.onOpen(c)
		}
		for _, fn := range fns {
			fn()
		}
	})

	// Delivered synchronously so arrival order within the channel is
	// preserved end to end.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onData != nil {
			c.onData(c.peerID, msg.Data)
		}
	})

	dc.OnError(func(err error) {
		c.log.Errorf("data channel to %s: %v", c.peerID, err)
	})

	dc.OnClose(func() {
		c.log.Infof("data channel to %s closed", c.peerID)
		c.finish(false)
	})
}

// finish runs the closed hook at most once.
func (c *connection) finish(errored bool) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.open = false
	c.mu.Unlock()

	if c.onClosed != nil {
		c.onClosed(c, errored)
	}
}

func (c *connection) startOffer(ctx context.Context) error {
	if err := c.createDataChannel(); err != nil {
		return err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendSignal(ctx, signalPayload{Kind: kindOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

func (c *connection) handleSignal(payload signalPayload) error {
	switch payload.Kind {
	case kindOffer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  payload.SDP,
		}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}

		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		if err := c.sendSignal(context.Background(), signalPayload{Kind: kindAnswer, SDP: answer.SDP}); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}

	case kindAnswer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  payload.SDP,
		}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}

	case kindCandidate:
		if payload.Candidate == nil {
			return fmt.Errorf("candidate signal without candidate")
		}
		if err := c.pc.AddICECandidate(*payload.Candidate); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}

	default:
		return fmt.Errorf("unknown signal kind %q", payload.Kind)
	}
	return nil
}

func (c *connection) sendSignal(ctx context.Context, payload signalPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.signaler.SendSignal(ctx, c.peerID, data)
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	open := c.open
	c.mu.Unlock()

	if dc == nil || !open {
		return fmt.Errorf("data channel to %s not open", c.peerID)
	}
	return dc.Send(data)
}

func (c *connection) NotifyOpen(fn func()) {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		fn()
		return
	}
	c.openFns = append(c.openFns, fn)
	c.mu.Unlock()
}

func (c *connection) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
