package apiclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
)

func conversationPath(id domain.ConversationId) string {
	return fmt.Sprintf("/v1/conversations/%d", id)
}

// FetchConversation returns the authoritative snapshot of a conversation.
func (c *APIClient) FetchConversation(ctx context.Context, id domain.ConversationId) (domain.Conversation, []domain.Message, error) {
	resp, err := c.doJSON(ctx, "fetch_conversation", http.MethodGet, conversationPath(id), nil)
	if err != nil {
		return domain.Conversation{}, nil, err
	}

	var snapshot api.ConversationSnapshotResponse
	if err := readResponse(resp, "fetch conversation", &snapshot); err != nil {
		return domain.Conversation{}, nil, err
	}

	messages := make([]domain.Message, 0, len(snapshot.Messages))
	for _, m := range snapshot.Messages {
		msg := m.ToDomain(id)
		msg.Body = c.sanitizer.Body(msg.Body)
		messages = append(messages, msg)
	}
	return snapshot.Conversation.ToDomain(), messages, nil
}

// SetTyping is fire-and-forget from the caller's perspective; the error is
// only for logging.
func (c *APIClient) SetTyping(ctx context.Context, id domain.ConversationId, isTyping bool) error {
	resp, err := c.doJSON(ctx, "set_typing", http.MethodPost, conversationPath(id)+"/typing", api.TypingRequest{IsTyping: isTyping})
	if err != nil {
		return err
	}
	return readResponse(resp, "set typing", nil)
}

// MarkRead marks everything in the conversation as read for the current user.
func (c *APIClient) MarkRead(ctx context.Context, id domain.ConversationId) error {
	resp, err := c.doJSON(ctx, "mark_read", http.MethodPost, conversationPath(id)+"/read", nil)
	if err != nil {
		return err
	}
	return readResponse(resp, "mark read", nil)
}

// FixedPhrases returns the quick-reply phrases offered by the input box.
func (c *APIClient) FixedPhrases(ctx context.Context) ([]api.FixedPhrase, error) {
	resp, err := c.doJSON(ctx, "fixed_phrases", http.MethodGet, "/v1/fixed-phrases", nil)
	if err != nil {
		return nil, err
	}
	var out api.FixedPhrasesResponse
	if err := readResponse(resp, "fixed phrases", &out); err != nil {
		return nil, err
	}
	return out.Phrases, nil
}

// AuthorizeChannel performs the bearer-token handshake for a private
// channel subscription and returns the signed auth string.
func (c *APIClient) AuthorizeChannel(ctx context.Context, authPath, socketId, channel string) (string, error) {
	req := api.ChannelAuthRequest{SocketId: socketId, ChannelName: channel}
	resp, err := c.doJSON(ctx, "channel_auth", http.MethodPost, authPath, req)
	if err != nil {
		return "", err
	}
	var out api.ChannelAuthResponse
	if err := readResponse(resp, "channel auth", &out); err != nil {
		return "", err
	}
	if out.Auth == "" {
		return "", fmt.Errorf("channel auth: empty signature for %s", channel)
	}
	return out.Auth, nil
}
