// Package identity acquires this instance's peer address from the
// signaling service, retrying identity conflicts with a fixed backoff.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/signaling"
)

// State of the acquisition machine: Idle → Acquiring → (Conflict →
// Acquiring)* → Bound | Failed.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateConflict
	StateBound
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateConflict:
		return "conflict"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// DefaultBackoff separates identity-conflict retries. Two tabs racing
// for the same saved id must not hammer the service.
const DefaultBackoff = time.Second

// Binding is the slice of the signaling service the binder uses.
type Binding interface {
	Bind(ctx context.Context, preferredID string) (string, error)
}

// Events are the binder's notifications. Any nil field is skipped.
type Events struct {
	// OnAcquiring fires before each bind attempt (attempt starts at 1).
	OnAcquiring func(attempt int)
	// OnConflict fires when an attempt lost its requested id and a
	// retry with a service-assigned id is scheduled.
	OnConflict func(attempt int)
	// OnBound fires exactly once with the assigned identity.
	OnBound func(id string)
	// OnFailed fires on a terminal failure (network unavailable).
	OnFailed func(err error)
}

// Binder drives identity acquisition. A conflict on the requested id
// discards the attempt and retries with no preferred id after a fixed
// backoff; a network failure is terminal.
type Binder struct {
	binding Binding
	events  Events
	backoff time.Duration
	log     *logrus.Logger

	mu    sync.Mutex
	state State
}

type Option func(*Binder)

// WithBackoff overrides the conflict retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(b *Binder) { b.backoff = d }
}

func NewBinder(binding Binding, events Events, log *logrus.Logger, opts ...Option) *Binder {
	b := &Binder{
		binding: binding,
		events:  events,
		backoff: DefaultBackoff,
		log:     log,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current machine state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Acquire starts acquisition with an optional preferred id. It is a
// no-op while an acquisition is in progress or already bound; a
// failed binder may be re-acquired.
func (b *Binder) Acquire(ctx context.Context, preferredID string) {
	b.mu.Lock()
	if b.state == StateAcquiring || b.state == StateConflict || b.state == StateBound {
		b.mu.Unlock()
		return
	}
	b.state = StateAcquiring
	b.mu.Unlock()

	go b.run(ctx, preferredID)
}

func (b *Binder) run(ctx context.Context, preferredID string) {
	preferred := preferredID
	for attempt := 1; ; attempt++ {
		b.setState(StateAcquiring)
		if b.events.OnAcquiring != nil {
			b.events.OnAcquiring(attempt)
		}

		id, err := b.binding.Bind(ctx, preferred)
		if err == nil {
			b.setState(StateBound)
			b.log.Infof("bound peer address %s", id)
			if b.events.OnBound != nil {
				b.events.OnBound(id)
			}
			return
		}

		if !errors.Is(err, signaling.ErrIDUnavailable) {
			b.setState(StateFailed)
			b.log.Errorf("identity acquisition failed: %v", err)
			if b.events.OnFailed != nil {
				b.events.OnFailed(err)
			}
			return
		}

		// Conflict: the saved id is bound elsewhere. Drop the
		// preference and let the service assign a fresh one.
		b.setState(StateConflict)
		b.log.Warnf("peer address %q taken, retrying with a fresh id", preferred)
		if b.events.OnConflict != nil {
			b.events.OnConflict(attempt)
		}
		preferred = ""

		select {
		case <-ctx.Done():
			b.setState(StateFailed)
			if b.events.OnFailed != nil {
				b.events.OnFailed(ctx.Err())
			}
			return
		case <-time.After(b.backoff):
		}
	}
}

func (b *Binder) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}
