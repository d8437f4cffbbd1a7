package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPublic = `
api_base_url: http://localhost:8080
channel_url: ws://localhost:6001/app/key
channel_auth_path: /broadcasting/auth
channel_scope: private-App.Models
typing_debounce: 500ms
max_attachments: 4
max_attachment_bytes: 1048576
allowed_image_mimes: ["image/png", "image/jpeg"]
sanitize_bodies: true
`

func writeConfig(t *testing.T, public, private string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public.yaml"), []byte(public), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "private.yaml"), []byte(private), 0o600))
	return dir
}

func TestMustLoad(t *testing.T) {
	dir := writeConfig(t, validPublic, "auth_token: tok\nuser_id: 7\nuser_type: customer\n")

	cfg := MustLoad(dir)

	assert.Equal(t, "http://localhost:8080", cfg.Public.ApiBaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Public.TypingDebounce)
	assert.Equal(t, DefaultSendTimeout, cfg.Public.SendTimeout, "unset durations fall back to defaults")
	assert.Equal(t, DefaultDedupCapacity, cfg.Public.DedupCapacity)
	assert.Equal(t, []string{"image/png", "image/jpeg"}, cfg.Public.AllowedImageMimes)
	assert.True(t, cfg.Public.SanitizeBodies)
	assert.Equal(t, "tok", cfg.AuthToken())
	assert.Equal(t, int64(7), cfg.UserId())
	assert.Equal(t, "customer", cfg.UserType())
}

func TestMustLoad_EmptyPrivateIsAllowed(t *testing.T) {
	dir := writeConfig(t, validPublic, "{}\n")

	cfg := MustLoad(dir)
	assert.Empty(t, cfg.AuthToken())
	assert.Zero(t, cfg.UserId())
}

func TestMustLoad_RequiredFields(t *testing.T) {
	// channel_scope is intentionally missing
	public := "api_base_url: http://localhost\nchannel_url: ws://localhost\nchannel_auth_path: /auth\nmax_attachments: 1\nmax_attachment_bytes: 1\n"
	dir := writeConfig(t, public, "{}\n")

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic due to missing required field, got none")
		}
	}()

	_ = MustLoad(dir)
}

func TestMustLoad_MissingFile(t *testing.T) {
	assert.Panics(t, func() { MustLoad(t.TempDir()) })
}
