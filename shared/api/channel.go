package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Push-channel protocol (Pusher-compatible subset)
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventError                 = "pusher:error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// ChannelFrame is one websocket text frame. Data is either a JSON object or
// a JSON string holding an encoded object; servers differ.
type ChannelFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Payload returns Data as raw JSON, unwrapping the string-encoded form.
func (f ChannelFrame) Payload() (json.RawMessage, error) {
	data := f.Data
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode string payload: %w", err)
		}
		data = json.RawMessage(s)
	}
	return data, nil
}

// IsProtocol reports whether the frame belongs to the transport itself
// rather than the application.
func (f ChannelFrame) IsProtocol() bool {
	return strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:")
}

type ConnectionEstablished struct {
	SocketId        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout,omitempty"`
}

type SubscribeData struct {
	Auth    string `json:"auth,omitempty"`
	Channel string `json:"channel"`
}

type ChannelError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// NewFrame encodes data as an object payload.
func NewFrame(event, channel string, data any) (ChannelFrame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ChannelFrame{}, err
	}
	return ChannelFrame{Event: event, Channel: channel, Data: raw}, nil
}

// NewStringFrame encodes data as a string-wrapped payload, the way most
// broadcasters emit application events.
func NewStringFrame(event, channel string, data any) (ChannelFrame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ChannelFrame{}, err
	}
	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return ChannelFrame{}, err
	}
	return ChannelFrame{Event: event, Channel: channel, Data: wrapped}, nil
}

// ChannelName derives the per-user private channel.
func ChannelName(scope, userType string, userId int64) string {
	return fmt.Sprintf("%s.%s.%d", scope, userType, userId)
}
