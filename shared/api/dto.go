package api

import (
	"time"

	"github.com/itchan-dev/chatsync/shared/domain"
)

// DTOs shared by the client and the test fixture server

type ParticipantResponse struct {
	Id       domain.UserId   `json:"id"`
	Type     domain.UserType `json:"type"`
	Name     string          `json:"name"`
	IsOnline bool            `json:"is_online"`
	LastSeen *time.Time      `json:"last_seen,omitempty"`
}

type ConversationResponse struct {
	Id           domain.ConversationId `json:"id"`
	Participants []ParticipantResponse `json:"participants"`
	LastReadAt   *time.Time            `json:"last_read_at,omitempty"`
}

// ConversationSnapshotResponse is the authoritative fetch result.
type ConversationSnapshotResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
}

func (c ConversationResponse) ToDomain() domain.Conversation {
	conv := domain.Conversation{Id: c.Id, LastReadAt: c.LastReadAt}
	for _, p := range c.Participants {
		conv.Participants = append(conv.Participants, domain.Participant{
			Id:       p.Id,
			Type:     p.Type,
			Name:     p.Name,
			IsOnline: p.IsOnline,
			LastSeen: p.LastSeen,
		})
	}
	return conv
}

// Channel auth handshake

type ChannelAuthRequest struct {
	SocketId    string `json:"socket_id" validate:"required"`
	ChannelName string `json:"channel_name" validate:"required"`
}

type ChannelAuthResponse struct {
	Auth string `json:"auth"`
}

// MessageEventPayload is the body of any named event on the user channel.
// Both fields are pointers so a missing key is distinguishable from a zero.
type MessageEventPayload struct {
	ConversationId *domain.ConversationId `json:"conversation_id"`
	Message        *MessageResponse       `json:"message"`
}

// Fixed phrases (quick replies offered by the input box)

type FixedPhrase struct {
	Id   int64  `json:"id"`
	Text string `json:"text"`
}

type FixedPhrasesResponse struct {
	Phrases []FixedPhrase `json:"phrases"`
}
