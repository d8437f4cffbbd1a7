package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itchan-dev/chatsync/client/internal/apiclient"
	"github.com/itchan-dev/chatsync/client/internal/realtime"
	"github.com/itchan-dev/chatsync/client/internal/staging"
	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/chattest"
	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	internal_errors "github.com/itchan-dev/chatsync/shared/errors"
	"github.com/itchan-dev/chatsync/shared/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = domain.User{Id: 1, Type: "customer"}
	bob   = domain.User{Id: 2, Type: "agent"}
)

const waitFor = 2 * time.Second

type fixture struct {
	srv      *chattest.Server
	previews *staging.MemoryPreviews
	deps     Deps
	cfg      Config
	channel  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := chattest.NewServer(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	participants := []domain.Participant{
		{Id: alice.Id, Type: alice.Type, Name: "Alice"},
		{Id: bob.Id, Type: bob.Type, Name: "Bob"},
	}
	srv.AddConversation(
		domain.Conversation{Id: 7, Participants: participants},
		domain.Message{Identity: domain.ConfirmedIdentity{Id: 1}, SenderId: bob.Id, Body: "hi", CreatedAt: created},
		domain.Message{Identity: domain.ConfirmedIdentity{Id: 2}, SenderId: alice.Id, Body: "hello", CreatedAt: created.Add(time.Minute)},
	)
	srv.AddConversation(domain.Conversation{Id: 8, Participants: participants})

	token := srv.Token(t, alice)
	client := apiclient.New(srv.URL, token)
	previews := staging.NewMemoryPreviews()
	return &fixture{
		srv:      srv,
		previews: previews,
		deps: Deps{
			API: client,
			Channel: realtime.NewSubscriber(realtime.Options{
				URL:           srv.ChannelURL(),
				AuthPath:      chattest.AuthPath,
				Scope:         chattest.Scope,
				DedupCapacity: 64,
			}, client),
			Previews:    previews,
			Credentials: domain.Credentials{AuthToken: token},
		},
		cfg: Config{
			TypingDebounce:   30 * time.Millisecond,
			SendTimeout:      time.Second,
			MarkReadInterval: 200 * time.Millisecond,
		},
		channel: api.ChannelName(chattest.Scope, alice.Type, alice.Id),
	}
}

func (f *fixture) start(t *testing.T, conversationId domain.ConversationId) *Session {
	t.Helper()
	s := New(conversationId, f.deps, f.cfg)
	t.Cleanup(s.Stop)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func bytesFile(name, mimeType string, data []byte) *domain.LocalFile {
	return &domain.LocalFile{
		FileCommonMetadata: domain.FileCommonMetadata{Filename: name, MimeType: mimeType, SizeBytes: int64(len(data))},
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func find(msgs []domain.Message, tempId domain.ClientTempId) (domain.Message, bool) {
	for _, m := range msgs {
		if m.ClientTempId == tempId {
			return m, true
		}
	}
	return domain.Message{}, false
}

func statusOf(s *Session, tempId domain.ClientTempId) domain.Status {
	m, _ := find(s.Messages(), tempId)
	return m.Status
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	s := New(7, f.deps, f.cfg)

	_, err := s.Send("early")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateActive, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)

	conv, ok := s.Conversation()
	require.True(t, ok)
	assert.Len(t, conv.Participants, 2)
	assert.Len(t, s.Messages(), 2)
	assert.True(t, s.Realtime())
	require.True(t, f.srv.WaitForSubscribers(f.channel, 1, waitFor))

	s.Stop()
	assert.Equal(t, StateTornDown, s.State())
	assert.True(t, f.srv.WaitForSubscribers(f.channel, 0, waitFor))
	assert.False(t, s.Realtime())

	s.Stop()
	_, err = s.Send("late")
	assert.ErrorIs(t, err, ErrTornDown)
	assert.ErrorIs(t, s.Start(context.Background()), ErrTornDown)
	assert.ErrorIs(t, s.MarkRead(), ErrTornDown)

	t.Run("stop before start", func(t *testing.T) {
		idle := New(7, f.deps, f.cfg)
		idle.Stop()
		assert.Equal(t, StateTornDown, idle.State())
	})
}

func TestSend(t *testing.T) {
	t.Run("confirmed in place", func(t *testing.T) {
		f := newFixture(t)
		s := f.start(t, 7)

		tempId, err := s.Send("  ping  ")
		require.NoError(t, err)
		assert.NotEmpty(t, tempId)

		require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusSent }, waitFor, 5*time.Millisecond)
		msgs := s.Messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, tempId, msgs[2].ClientTempId)
		assert.Equal(t, "ping", msgs[2].Body)
		assert.Equal(t, alice.Id, msgs[2].SenderId)
		assert.False(t, msgs[2].IsLocal())
	})

	t.Run("echo over the channel does not duplicate", func(t *testing.T) {
		f := newFixture(t)
		f.srv.EchoSends = true
		s := f.start(t, 7)

		for _, body := range []string{"one", "two", "three"} {
			_, err := s.Send(body)
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool {
			msgs := s.Messages()
			for _, m := range msgs {
				if m.IsLocal() {
					return false
				}
			}
			return len(msgs) == 5
		}, waitFor, 5*time.Millisecond)

		var bodies []string
		for _, m := range s.Messages() {
			bodies = append(bodies, m.Body)
		}
		assert.Equal(t, []string{"hi", "hello", "one", "two", "three"}, bodies)
	})

	t.Run("empty draft rejected", func(t *testing.T) {
		f := newFixture(t)
		s := f.start(t, 7)

		_, err := s.Send("   ")
		assert.ErrorIs(t, err, validation.ErrEmptyMessage)
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("attachments only", func(t *testing.T) {
		f := newFixture(t)
		s := f.start(t, 7)

		staged, err := s.Stage(bytesFile("a.png", "image/png", []byte("png")))
		require.NoError(t, err)
		require.Len(t, staged, 1)
		assert.Equal(t, 1, f.previews.Len())

		tempId, err := s.Send("")
		require.NoError(t, err)
		assert.Empty(t, s.Staged())

		require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusSent }, waitFor, 5*time.Millisecond)
		m, _ := find(s.Messages(), tempId)
		require.Len(t, m.Attachments, 1)
		assert.NotEmpty(t, m.Attachments[0].RemotePath)
		assert.Equal(t, staged[0].LocalId, m.Attachments[0].LocalId)
		assert.Empty(t, m.Attachments[0].LocalPreviewURL)
		assert.Equal(t, 0, f.previews.Len(), "preview revoked on confirmation")
		assert.Equal(t, []string{"a.png"}, f.srv.Uploads())
	})
}

func TestFailureAndRetry(t *testing.T) {
	f := newFixture(t)
	var reject atomic.Bool
	reject.Store(true)
	f.srv.OnSend = func(domain.ConversationId, api.SendMessageRequest) error {
		if reject.Load() {
			return &internal_errors.ErrorWithStatusCode{Message: "unavailable", StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}
	s := f.start(t, 7)

	_, err := s.Stage(bytesFile("a.png", "image/png", []byte("png")))
	require.NoError(t, err)
	tempId, err := s.Send("with photo")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusFailed }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.previews.Len(), "preview revoked on failure")

	_, err = s.Retry("tmp-unknown")
	assert.ErrorIs(t, err, ErrNotRetryable)

	reject.Store(false)
	retryId, err := s.Retry(tempId)
	require.NoError(t, err)
	assert.NotEqual(t, tempId, retryId)

	require.Eventually(t, func() bool { return statusOf(s, retryId) == domain.StatusSent }, waitFor, 5*time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.StatusFailed, msgs[2].Status, "failed entry stays in place")
	assert.Equal(t, "with photo", msgs[3].Body)
	assert.Equal(t, []string{"a.png"}, f.srv.Uploads())
	assert.Equal(t, 0, f.previews.Len())

	_, err = s.Retry(retryId)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestPushedEvents(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 7)
	require.True(t, f.srv.WaitForSubscribers(f.channel, 1, waitFor))

	body := "are you there?"
	now := time.Now().UTC()
	require.NoError(t, f.srv.PushMessage(f.channel, 7, api.MessageResponse{Id: 50, SenderId: bob.Id, Body: &body, CreatedAt: now}))
	require.NoError(t, f.srv.PushMessage(f.channel, 8, api.MessageResponse{Id: 51, SenderId: bob.Id, Body: &body, CreatedAt: now}))

	require.Eventually(t, func() bool { return len(s.Messages()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "are you there?", s.Messages()[2].Body)

	delivered, err := f.srv.UpdateStatus(7, 2, domain.StatusRead)
	require.NoError(t, err)
	require.NoError(t, f.srv.PushMessage(f.channel, 7, delivered))
	require.Eventually(t, func() bool { return s.Messages()[1].Status == domain.StatusRead }, waitFor, 5*time.Millisecond)

	// the other conversation's event never shows up
	assert.Never(t, func() bool { return len(s.Messages()) != 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDegraded(t *testing.T) {
	t.Run("snapshot fetch fails", func(t *testing.T) {
		f := newFixture(t)
		f.srv.OnFetch = func(domain.ConversationId) error {
			return &internal_errors.ErrorWithStatusCode{Message: "boom", StatusCode: http.StatusInternalServerError}
		}
		s := f.start(t, 7)

		assert.Equal(t, StateActive, s.State())
		_, ok := s.Conversation()
		assert.False(t, ok)
		assert.Empty(t, s.Messages())
		assert.True(t, s.Realtime())

		tempId, err := s.Send("still works")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusSent }, waitFor, 5*time.Millisecond)
	})

	t.Run("no credentials runs on rest", func(t *testing.T) {
		f := newFixture(t)
		f.deps.Credentials = domain.Credentials{}
		s := f.start(t, 7)

		assert.Equal(t, StateActive, s.State())
		assert.False(t, s.Realtime())
		assert.Len(t, s.Messages(), 2)
		assert.Equal(t, 0, f.srv.Connections())
	})

	t.Run("no channel configured", func(t *testing.T) {
		f := newFixture(t)
		f.deps.Channel = nil
		s := f.start(t, 7)
		assert.False(t, s.Realtime())
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("channel authorization refused", func(t *testing.T) {
		f := newFixture(t)
		f.srv.OnAuth = func(string) error {
			return &internal_errors.ErrorWithStatusCode{Message: "nope", StatusCode: http.StatusForbidden}
		}
		s := f.start(t, 7)
		assert.Equal(t, StateActive, s.State())
		assert.False(t, s.Realtime())
		assert.True(t, f.srv.WaitForSubscribers(f.channel, 0, waitFor))
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	out := &syncBuffer{}
	logger.InitializeWriter(out, "debug", false)
	t.Cleanup(func() { logger.Initialize("info", false) })
	return out
}

func TestRejectedTokenLogged(t *testing.T) {
	t.Run("send", func(t *testing.T) {
		out := captureLog(t)
		f := newFixture(t)
		f.srv.OnSend = func(domain.ConversationId, api.SendMessageRequest) error {
			return &internal_errors.ErrorWithStatusCode{Message: "token expired", StatusCode: http.StatusUnauthorized}
		}
		s := f.start(t, 7)

		tempId, err := s.Send("hello?")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusFailed }, waitFor, 5*time.Millisecond)

		logged := out.String()
		assert.Contains(t, logged, "level=ERROR")
		assert.Contains(t, logged, `msg="send failed: not authorized"`)
		assert.Contains(t, logged, "status=401")
	})

	t.Run("snapshot", func(t *testing.T) {
		out := captureLog(t)
		f := newFixture(t)
		f.srv.OnFetch = func(domain.ConversationId) error {
			return &internal_errors.ErrorWithStatusCode{Message: "forbidden", StatusCode: http.StatusForbidden}
		}
		s := f.start(t, 7)
		assert.Equal(t, StateActive, s.State())

		logged := out.String()
		assert.Contains(t, logged, `msg="snapshot fetch failed, continuing without history: not authorized"`)
		assert.Contains(t, logged, "status=403")
	})

	t.Run("server error stays a warning", func(t *testing.T) {
		out := captureLog(t)
		f := newFixture(t)
		f.srv.OnSend = func(domain.ConversationId, api.SendMessageRequest) error {
			return &internal_errors.ErrorWithStatusCode{Message: "boom", StatusCode: http.StatusInternalServerError}
		}
		s := f.start(t, 7)

		tempId, err := s.Send("hello?")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return statusOf(s, tempId) == domain.StatusFailed }, waitFor, 5*time.Millisecond)

		logged := out.String()
		assert.Contains(t, logged, `level=WARN`)
		assert.Contains(t, logged, `msg="send failed"`)
		assert.Contains(t, logged, "status=500")
		assert.NotContains(t, logged, "not authorized")
	})
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 7)

	s.OnInputChanged()
	s.OnInputChanged()
	s.OnInputChanged()

	want := []chattest.TypingCall{{ConversationId: 7, IsTyping: true}, {ConversationId: 7, IsTyping: false}}
	require.Eventually(t, func() bool { return len(f.srv.TypingCalls()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, f.srv.TypingCalls())
}

func TestStopTeardown(t *testing.T) {
	f := newFixture(t)
	f.cfg.TypingDebounce = time.Hour
	s := f.start(t, 7)
	require.True(t, f.srv.WaitForSubscribers(f.channel, 1, waitFor))

	_, err := s.Stage(bytesFile("a.png", "image/png", []byte("a")), bytesFile("b.png", "image/png", []byte("b")))
	require.NoError(t, err)
	s.OnInputChanged()
	require.Eventually(t, func() bool { return len(f.srv.TypingCalls()) == 1 }, waitFor, 5*time.Millisecond)

	s.Stop()

	assert.Equal(t, []chattest.TypingCall{{ConversationId: 7, IsTyping: true}, {ConversationId: 7, IsTyping: false}}, f.srv.TypingCalls(),
		"final false sent before Stop returns")
	assert.True(t, f.srv.WaitForSubscribers(f.channel, 0, waitFor))
	assert.Equal(t, 0, f.previews.Len())

	_, err = s.Stage(bytesFile("c.png", "image/png", []byte("c")))
	assert.ErrorIs(t, err, ErrTornDown)
	s.OnInputChanged()
	assert.Len(t, f.srv.TypingCalls(), 2)
}

func TestStaleResultDropped(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	f.srv.OnSend = func(domain.ConversationId, api.SendMessageRequest) error {
		close(entered)
		<-release
		return nil
	}
	s := f.start(t, 7)

	var changes atomic.Int32
	s.OnChange(func([]domain.Message) { changes.Add(1) })

	_, err := s.Stage(bytesFile("a.png", "image/png", []byte("a")))
	require.NoError(t, err)
	tempId, err := s.Send("slow")
	require.NoError(t, err)
	<-entered
	before := changes.Load()

	s.Stop()
	once.Do(func() { close(release) })

	assert.Equal(t, domain.StatusPending, statusOf(s, tempId), "neither confirmation nor failure applied")
	assert.Equal(t, before, changes.Load())
	assert.Equal(t, 0, f.previews.Len())
}

func TestMarkReadCoalesced(t *testing.T) {
	f := newFixture(t)
	s := f.start(t, 7)

	for range 10 {
		require.NoError(t, s.MarkRead())
	}
	require.Eventually(t, func() bool { return len(f.srv.ReadCalls()) >= 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(500 * time.Millisecond)

	calls := f.srv.ReadCalls()
	assert.LessOrEqual(t, len(calls), 3)
	assert.Equal(t, domain.ConversationId(7), calls[0])
}

func TestManager(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.deps, f.cfg)
	t.Cleanup(m.Close)

	first, err := m.Open(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, f.srv.WaitForSubscribers(f.channel, 1, waitFor))
	assert.Same(t, first, m.Current())

	second, err := m.Open(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, StateTornDown, first.State())
	assert.Equal(t, StateActive, second.State())
	assert.Same(t, second, m.Current())
	assert.Equal(t, domain.ConversationId(8), second.ConversationId())
	assert.True(t, f.srv.WaitForSubscribers(f.channel, 1, waitFor), "one live subscription per user")
	assert.Empty(t, second.Messages())

	m.Close()
	assert.Nil(t, m.Current())
	assert.Equal(t, StateTornDown, second.State())
	assert.True(t, f.srv.WaitForSubscribers(f.channel, 0, waitFor))

	_, err = m.Open(context.Background(), 7)
	assert.ErrorIs(t, err, ErrTornDown)
}
