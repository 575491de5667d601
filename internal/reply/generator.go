// Package reply generates simulated chat replies for AI contacts and
// group personas. The generator boundary is narrow: history in, reply
// text out, possibly failing; callers never see a failure because the
// resilient wrapper substitutes a canned reply.
package reply

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/protocol"
)

// Generator produces a reply to the latest message in history,
// speaking as participantName. In a group, senders other than "me"
// are distinct named users and the persona sender is "gemini_ai".
type Generator interface {
	GenerateReply(ctx context.Context, history []protocol.ChatMessage, participantName string, isGroup bool) (string, error)
}

// Resilient wraps a primary generator with the canned fallback:
// any failure is absorbed and replaced with a fallback reply.
type Resilient struct {
	Primary  Generator
	Fallback *Canned
	Log      *logrus.Logger
}

func NewResilient(primary Generator, log *logrus.Logger) *Resilient {
	return &Resilient{
		Primary:  primary,
		Fallback: NewCanned(),
		Log:      log,
	}
}

func (r *Resilient) GenerateReply(ctx context.Context, history []protocol.ChatMessage, participantName string, isGroup bool) (string, error) {
	if r.Primary != nil {
		text, err := r.Primary.GenerateReply(ctx, history, participantName, isGroup)
		if err == nil {
			return text, nil
		}
		r.Log.Warnf("reply generator failed, using fallback: %v", err)
	}
	return r.Fallback.GenerateReply(ctx, history, participantName, isGroup)
}
