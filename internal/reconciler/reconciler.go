// Package reconciler merges inbound peer envelopes into local contact
// and conversation state.
package reconciler

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sunbridger/wechat-app/internal/protocol"
	"github.com/Sunbridger/wechat-app/internal/store"
)

const (
	// contactIDPrefix keys contacts synthesized from unknown senders.
	contactIDPrefix = "p2p_"

	defaultName   = "Unknown"
	defaultAvatar = "https://picsum.photos/200"
)

// ContactDirectory is the slice of the contact store the reconciler
// uses.
type ContactDirectory interface {
	FindByPeerAddress(addr string) (store.Contact, bool, error)
	FindByName(name string) (store.Contact, bool, error)
	Create(contact store.Contact) error
	UpdateLastMessage(id, preview string, at int64) error
}

// HistoryAppender is the slice of the message store the reconciler
// uses.
type HistoryAppender interface {
	Append(contactID string, msg protocol.ChatMessage) error
}

// Reconciler resolves the sender of an inbound envelope to a local
// contact (synthesizing one if needed), rewrites the message to local
// ids, and appends it to the contact's history.
type Reconciler struct {
	contacts ContactDirectory
	messages HistoryAppender
	log      *logrus.Logger
	now      func() int64

	// mu makes resolve-and-insert atomic: two rapid envelopes from
	// the same unknown sender must not synthesize two contacts.
	mu sync.Mutex
}

func New(contacts ContactDirectory, messages HistoryAppender, log *logrus.Logger, now func() int64) *Reconciler {
	return &Reconciler{
		contacts: contacts,
		messages: messages,
		log:      log,
		now:      now,
	}
}

// Apply merges one inbound envelope. The returned message is the
// stored form: sender id rewritten to the local contact id and status
// forced to read (receipt implies read; there is no receipt protocol).
func (r *Reconciler) Apply(env protocol.Envelope) (store.Contact, protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contact, err := r.resolveContact(env)
	if err != nil {
		return store.Contact{}, protocol.ChatMessage{}, err
	}

	msg := env.Message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SenderID = contact.ID
	msg.Status = protocol.StatusRead

	if err := r.messages.Append(contact.ID, msg); err != nil {
		return store.Contact{}, protocol.ChatMessage{}, fmt.Errorf("append message for %s: %w", contact.ID, err)
	}

	if err := r.contacts.UpdateLastMessage(contact.ID, preview(msg), r.now()); err != nil {
		r.log.Warnf("failed to update last message for %s: %v", contact.ID, err)
	}

	return contact, msg, nil
}

// resolveContact matches the sender's peer address first, then falls
// back to display name (a contact may have been added by name before
// its address was known). First match in insertion order wins;
// duplicate names are not disambiguated further.
func (r *Reconciler) resolveContact(env protocol.Envelope) (store.Contact, error) {
	sender := env.SenderInfo

	contact, found, err := r.contacts.FindByPeerAddress(sender.ID)
	if err != nil {
		return store.Contact{}, fmt.Errorf("lookup by peer address: %w", err)
	}
	if found {
		return contact, nil
	}

	if sender.Name != "" {
		contact, found, err = r.contacts.FindByName(sender.Name)
		if err != nil {
			return store.Contact{}, fmt.Errorf("lookup by name: %w", err)
		}
		if found {
			return contact, nil
		}
	}

	contact = store.Contact{
		ID:          contactIDPrefix + sender.ID,
		Name:        sender.Name,
		Avatar:      sender.Avatar,
		PeerAddress: sender.ID,
	}
	if contact.Name == "" {
		contact.Name = defaultName
	}
	if contact.Avatar == "" {
		contact.Avatar = defaultAvatar
	}

	if err := r.contacts.Create(contact); err != nil {
		return store.Contact{}, fmt.Errorf("synthesize contact for %s: %w", sender.ID, err)
	}
	r.log.Infof("added new contact %q for peer %s", contact.Name, sender.ID)
	return contact, nil
}

func preview(msg protocol.ChatMessage) string {
	if msg.Type == protocol.TypeText {
		return msg.Content
	}
	return fmt.Sprintf("[%s]", msg.Type)
}
