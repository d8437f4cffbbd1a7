package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
)

// Event is an inbound application event, decoded. The set of variants is
// closed: MessageEvent or UnrecognizedEvent.
type Event interface {
	isEvent()
}

// MessageEvent carries a server message for one conversation.
type MessageEvent struct {
	Name           string
	ConversationId domain.ConversationId
	Message        domain.Message
	// DedupKey identifies this exact version of the message: redeliveries
	// share it, status changes do not.
	DedupKey string
}

// UnrecognizedEvent is any payload that does not have the message shape.
// It is counted and discarded.
type UnrecognizedEvent struct {
	Name   string
	Reason string
}

func (MessageEvent) isEvent()      {}
func (UnrecognizedEvent) isEvent() {}

// Decode turns an application frame into an Event. It never fails; bad
// input becomes UnrecognizedEvent.
func Decode(frame api.ChannelFrame) Event {
	payload, err := frame.Payload()
	if err != nil {
		return UnrecognizedEvent{Name: frame.Event, Reason: err.Error()}
	}
	if len(payload) == 0 {
		return UnrecognizedEvent{Name: frame.Event, Reason: "empty payload"}
	}

	var p api.MessageEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return UnrecognizedEvent{Name: frame.Event, Reason: "payload is not a message event: " + err.Error()}
	}
	switch {
	case p.Message == nil:
		return UnrecognizedEvent{Name: frame.Event, Reason: "missing message"}
	case p.ConversationId == nil:
		return UnrecognizedEvent{Name: frame.Event, Reason: "missing conversation_id"}
	case p.Message.Id == 0:
		return UnrecognizedEvent{Name: frame.Event, Reason: "message without id"}
	case p.Message.ConversationId != 0 && p.Message.ConversationId != *p.ConversationId:
		return UnrecognizedEvent{Name: frame.Event, Reason: "conversation id mismatch"}
	}

	return MessageEvent{
		Name:           frame.Event,
		ConversationId: *p.ConversationId,
		Message:        p.Message.ToDomain(*p.ConversationId),
		DedupKey:       dedupKey(p.Message),
	}
}

func dedupKey(m *api.MessageResponse) string {
	return fmt.Sprintf("%d|%s|%s", m.Id, stamp(m.DeliveredAt), stamp(m.ReadAt))
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
