package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewClientTempId returns a fresh, never reused id for an optimistic message.
func NewClientTempId() string {
	return "tmp-" + uuid.NewString()
}

// NewLocalId returns a fresh id for a staged attachment.
func NewLocalId() string {
	return "att-" + uuid.NewString()
}

// SignChannel produces the "key:signature" auth string for a private channel
// subscription, HMAC-SHA256 over "socketId:channel".
func SignChannel(appKey, secret, socketId, channel string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(socketId + ":" + channel))
	return appKey + ":" + hex.EncodeToString(mac.Sum(nil))
}

func VerifyChannelSignature(appKey, secret, socketId, channel, auth string) bool {
	key, _, ok := strings.Cut(auth, ":")
	if !ok || key != appKey {
		return false
	}
	expected := SignChannel(appKey, secret, socketId, channel)
	return hmac.Equal([]byte(expected), []byte(auth))
}
