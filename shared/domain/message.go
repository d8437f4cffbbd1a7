package domain

import (
	"time"
)

type Message struct {
	Identity       Identity
	ClientTempId   ClientTempId // kept after confirmation for correlation; empty for foreign messages
	ConversationId ConversationId
	SenderId       UserId
	Body           MsgText // empty means no text
	Attachments    Attachments
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	Status         Status
}

// ServerId returns the confirmed id, if any.
func (m *Message) ServerId() (MsgId, bool) {
	if c, ok := m.Identity.(ConfirmedIdentity); ok {
		return c.Id, true
	}
	return 0, false
}

// IsLocal reports whether the message is an unconfirmed optimistic entry
// (pending or failed).
func (m *Message) IsLocal() bool {
	_, ok := m.Identity.(LocalIdentity)
	return ok
}

// Clone returns a deep copy so readers never share slices or timestamps with
// the reconciler's internal state.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		atts := make(Attachments, len(m.Attachments))
		copy(atts, m.Attachments)
		m.Attachments = atts
	}
	m.DeliveredAt = cloneTime(m.DeliveredAt)
	m.ReadAt = cloneTime(m.ReadAt)
	return m
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Participant is a lightweight identity+presence record.
type Participant struct {
	Id       UserId
	Type     UserType
	Name     string
	IsOnline bool
	LastSeen *time.Time
}

type Conversation struct {
	Id           ConversationId
	Participants []Participant
	LastReadAt   *time.Time
}
