package api

import (
	"time"

	"github.com/itchan-dev/chatsync/shared/domain"
)

// Request DTOs

// SendMessageRequest is the JSON part of a send. With attachments it travels
// as the "json" field of a multipart form, otherwise as the whole body.
type SendMessageRequest struct {
	Body         string `json:"body,omitempty"`
	ClientTempId string `json:"client_temp_id" validate:"required"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Response DTOs

type AttachmentResponse struct {
	Path        string `json:"path"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ImageWidth  *int   `json:"image_width,omitempty"`
	ImageHeight *int   `json:"image_height,omitempty"`
}

// MessageResponse is a server-confirmed message as it appears in snapshots,
// send responses and push events.
type MessageResponse struct {
	Id             domain.MsgId          `json:"id"`
	ClientTempId   domain.ClientTempId   `json:"client_temp_id,omitempty"`
	ConversationId domain.ConversationId `json:"conversation_id,omitempty"`
	SenderId       domain.UserId         `json:"sender_id"`
	Body           *string               `json:"body"`
	Attachments    []AttachmentResponse  `json:"attachments"`
	CreatedAt      time.Time             `json:"created_at"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty"`
	ReadAt         *time.Time            `json:"read_at,omitempty"`
}

type SendMessageResponse struct {
	Message MessageResponse `json:"message"`
}

// ToDomain converts the wire message into a confirmed domain message.
func (m MessageResponse) ToDomain(conversationId domain.ConversationId) domain.Message {
	if m.ConversationId != 0 {
		conversationId = m.ConversationId
	}
	msg := domain.Message{
		Identity:       domain.ConfirmedIdentity{Id: m.Id},
		ClientTempId:   m.ClientTempId,
		ConversationId: conversationId,
		SenderId:       m.SenderId,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		Status:         domain.StatusFromTimestamps(m.DeliveredAt, m.ReadAt),
	}
	if m.Body != nil {
		msg.Body = *m.Body
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make(domain.Attachments, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				FileCommonMetadata: domain.FileCommonMetadata{
					Filename:    a.Filename,
					SizeBytes:   a.SizeBytes,
					MimeType:    a.MimeType,
					ImageWidth:  a.ImageWidth,
					ImageHeight: a.ImageHeight,
				},
				RemotePath: a.Path,
			})
		}
	}
	return msg
}

// FromDomain builds the wire form of a confirmed message. Used by the test
// fixture server.
func FromDomain(m domain.Message) MessageResponse {
	id, _ := m.ServerId()
	resp := MessageResponse{
		Id:             id,
		ClientTempId:   m.ClientTempId,
		ConversationId: m.ConversationId,
		SenderId:       m.SenderId,
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		Attachments:    []AttachmentResponse{},
	}
	if m.Body != "" {
		body := m.Body
		resp.Body = &body
	}
	for _, a := range m.Attachments {
		resp.Attachments = append(resp.Attachments, AttachmentResponse{
			Path:        a.RemotePath,
			Filename:    a.Filename,
			MimeType:    a.MimeType,
			SizeBytes:   a.SizeBytes,
			ImageWidth:  a.ImageWidth,
			ImageHeight: a.ImageHeight,
		})
	}
	return resp
}
