// Package session runs one open conversation: it loads the snapshot, keeps
// the realtime channel open, sends messages optimistically and owns the
// teardown of everything it started.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itchan-dev/chatsync/client/internal/realtime"
	"github.com/itchan-dev/chatsync/client/internal/reconciler"
	"github.com/itchan-dev/chatsync/client/internal/staging"
	"github.com/itchan-dev/chatsync/client/internal/typing"
	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
	internal_errors "github.com/itchan-dev/chatsync/shared/errors"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/itchan-dev/chatsync/shared/metrics"
	"github.com/itchan-dev/chatsync/shared/validation"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotActive    = errors.New("session not started")
	ErrTornDown     = errors.New("session stopped")
	ErrStarted      = errors.New("session already started")
	ErrNotRetryable = errors.New("message is not a failed local message")
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn_down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// API is the part of the REST client a session needs.
type API interface {
	FetchConversation(ctx context.Context, id domain.ConversationId) (domain.Conversation, []domain.Message, error)
	SendMessage(ctx context.Context, id domain.ConversationId, req api.SendMessageRequest, attachments domain.Attachments) (domain.Message, error)
	SetTyping(ctx context.Context, id domain.ConversationId, isTyping bool) error
	MarkRead(ctx context.Context, id domain.ConversationId) error
}

// Channel opens the realtime subscription. *realtime.Subscriber implements it.
type Channel interface {
	Open(ctx context.Context, creds domain.Credentials, conversationId domain.ConversationId, handle realtime.Handler) (*realtime.Subscription, error)
}

type Config struct {
	TypingDebounce   time.Duration
	SendTimeout      time.Duration
	MarkReadInterval time.Duration
	Rules            validation.AttachmentRules
}

// Deps are shared by every session of one client. Channel may be nil, the
// session then runs on REST alone.
type Deps struct {
	API         API
	Channel     Channel
	Previews    staging.PreviewStore
	Credentials domain.Credentials
	Clock       typing.Clock
}

type Session struct {
	conversationId domain.ConversationId
	api            API
	channel        Channel
	creds          domain.Credentials
	cfg            Config
	log            *slog.Logger

	reconciler *reconciler.Reconciler
	staging    *staging.Area
	typing     *typing.Signaler
	typingOut  *signalQueue
	reads      *readCoalescer

	// ctx is cancelled by Stop and bounds every request the session issues
	// except the final typing=false.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	conversation domain.Conversation
	snapshotOK   bool
	sub          *realtime.Subscription
	startDone    chan struct{}

	wg sync.WaitGroup
}

func New(conversationId domain.ConversationId, deps Deps, cfg Config) *Session {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	clock := deps.Clock
	if clock == nil {
		clock = typing.RealClock
	}
	creds := deps.Credentials
	if resolved, err := realtime.ResolveCredentials(creds, time.Now()); err == nil {
		creds = resolved
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conversationId: conversationId,
		api:            deps.API,
		channel:        deps.Channel,
		creds:          creds,
		cfg:            cfg,
		log:            logger.With("conversation", conversationId),
		staging:        staging.New(deps.Previews, cfg.Rules),
		typingOut:      newSignalQueue(),
		ctx:            ctx,
		cancel:         cancel,
		startDone:      make(chan struct{}),
	}
	s.reads = newReadCoalescer(deps.API, cfg.MarkReadInterval, cfg.SendTimeout)
	s.reconciler = reconciler.New(conversationId, s.staging, s.reads)
	s.typing = typing.New(cfg.TypingDebounce, clock, s.typingOut.push)
	return s
}

func (s *Session) ConversationId() domain.ConversationId {
	return s.conversationId
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation is the conversation header from the snapshot. ok is false
// until a snapshot has loaded.
func (s *Session) Conversation() (conv domain.Conversation, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation, s.snapshotOK
}

// Realtime reports whether a live channel subscription is attached.
func (s *Session) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return false
	}
	select {
	case <-s.sub.Done():
		return false
	default:
		return true
	}
}

func (s *Session) Messages() []domain.Message {
	return s.reconciler.Messages()
}

// OnChange registers f to receive the message list after every change.
func (s *Session) OnChange(f func([]domain.Message)) {
	s.reconciler.OnChange(f)
}

// liveErrLocked is nil while the session accepts operations.
func (s *Session) liveErrLocked() error {
	switch s.state {
	case StateLoading, StateActive:
		return nil
	case StateTornDown:
		return ErrTornDown
	}
	return ErrNotActive
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveErrLocked() == nil
}

// Start fetches the snapshot and opens the channel concurrently and returns
// once both have been attempted. Neither failure is fatal: without a
// snapshot the list starts empty, without a channel only REST results
// arrive. Sends are accepted as soon as Start is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateTornDown:
		s.mu.Unlock()
		return ErrTornDown
	default:
		s.mu.Unlock()
		return ErrStarted
	}
	s.state = StateLoading
	s.wg.Add(2)
	s.mu.Unlock()
	defer close(s.startDone)

	metrics.SessionStarted()
	go s.typingLoop()
	go s.reads.run(s.ctx, s.conversationId, &s.wg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		s.loadSnapshot(ctx)
		return nil
	})
	g.Go(func() error {
		s.openChannel(ctx)
		return nil
	})
	g.Wait()

	s.mu.Lock()
	if s.state == StateLoading {
		s.state = StateActive
	}
	s.mu.Unlock()
	s.log.Info("session started", "snapshot", s.snapshotLoaded(), "realtime", s.Realtime())
	return nil
}

func (s *Session) snapshotLoaded() bool {
	_, ok := s.Conversation()
	return ok
}

func (s *Session) loadSnapshot(ctx context.Context) {
	conv, messages, err := s.api.FetchConversation(ctx, s.conversationId)
	if err != nil {
		s.logRequestError("snapshot fetch failed, continuing without history", err)
		return
	}
	if !s.live() {
		return
	}
	s.mu.Lock()
	s.conversation = conv
	s.snapshotOK = true
	s.mu.Unlock()
	s.reconciler.LoadSnapshot(messages)
}

func (s *Session) openChannel(ctx context.Context) {
	if s.channel == nil {
		s.log.Info("realtime disabled")
		return
	}
	sub, err := s.channel.Open(ctx, s.creds, s.conversationId, func(ev realtime.MessageEvent) {
		s.reconciler.ApplyPushedEvent(ev.Message)
	})
	if err != nil {
		if errors.Is(err, realtime.ErrNoCredentials) {
			s.log.Info("realtime unavailable", "error", err)
		} else {
			s.log.Warn("realtime channel open failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	s.sub = sub
	s.wg.Add(1)
	s.mu.Unlock()
	go s.watchChannel(sub)
}

func (s *Session) watchChannel(sub *realtime.Subscription) {
	defer s.wg.Done()
	select {
	case <-sub.Done():
		if s.live() {
			s.log.Warn("realtime connection lost, continuing on REST")
		}
	case <-s.ctx.Done():
	}
}

// Stage adds files to the draft.
func (s *Session) Stage(files ...*domain.LocalFile) (domain.Attachments, error) {
	if err := s.liveErr(); err != nil {
		return nil, err
	}
	return s.staging.Stage(files...)
}

func (s *Session) Unstage(localId domain.LocalId) {
	s.staging.Unstage(localId)
}

func (s *Session) Staged() domain.Attachments {
	return s.staging.Staged()
}

func (s *Session) liveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveErrLocked()
}

// Send inserts the message optimistically with everything staged and sends
// it in the background. Only a draft with neither text nor attachments is
// rejected here; network failures show up as a failed message.
func (s *Session) Send(body string) (domain.ClientTempId, error) {
	if err := s.beginDelivery(); err != nil {
		return "", err
	}

	atts := s.staging.Handoff()
	text, err := validation.ValidateDraft(body, atts)
	if err != nil {
		s.staging.Release(domain.LocalIds(atts)...)
		s.wg.Done()
		metrics.Send(metrics.SendRejected)
		return "", err
	}
	return s.dispatch(text, atts), nil
}

// Retry sends a failed message again as a new message, with fresh previews
// for its files. The failed entry stays where it is.
func (s *Session) Retry(tempId domain.ClientTempId) (domain.ClientTempId, error) {
	m, ok := s.reconciler.Local(tempId)
	if !ok || m.Status != domain.StatusFailed {
		return "", ErrNotRetryable
	}
	if err := s.beginDelivery(); err != nil {
		return "", err
	}

	var atts domain.Attachments
	var sources []*domain.LocalFile
	for _, a := range m.Attachments {
		if a.Source != nil {
			sources = append(sources, a.Source)
		}
	}
	if len(sources) > 0 {
		prepared, err := s.staging.Prepare(sources...)
		if err != nil {
			s.wg.Done()
			return "", fmt.Errorf("restage attachments: %w", err)
		}
		atts = prepared
	}
	s.log.Info("retrying message", "clientTempId", tempId)
	return s.dispatch(m.Body, atts), nil
}

// beginDelivery reserves a slot in the wait group; Stop cannot pass its
// Wait while a delivery is being set up.
func (s *Session) beginDelivery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.liveErrLocked(); err != nil {
		return err
	}
	s.wg.Add(1)
	return nil
}

func (s *Session) dispatch(text string, atts domain.Attachments) domain.ClientTempId {
	tempId := s.reconciler.ApplyOptimistic(domain.Message{
		SenderId:    s.creds.Id,
		Body:        text,
		Attachments: atts,
	})
	go s.deliver(tempId, text, atts)
	return tempId
}

func (s *Session) deliver(tempId domain.ClientTempId, text string, atts domain.Attachments) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SendTimeout)
	defer cancel()
	msg, err := s.api.SendMessage(ctx, s.conversationId, api.SendMessageRequest{Body: text, ClientTempId: tempId}, atts)

	if !s.live() {
		s.log.Debug("send finished after stop, dropped", "clientTempId", tempId)
		return
	}
	if err != nil {
		metrics.Send(metrics.SendFailed)
		s.logRequestError("send failed", err, "clientTempId", tempId)
		s.reconciler.ApplyFailure(tempId)
		return
	}
	metrics.Send(metrics.SendSent)
	s.reconciler.ApplyConfirmation(tempId, msg)
}

// logRequestError logs a failed REST call. A rejected token will not fix
// itself on retry, so it is logged as an error rather than a warning.
func (s *Session) logRequestError(msg string, err error, args ...any) {
	args = append(args, "status", internal_errors.StatusCode(err), "error", err)
	if internal_errors.IsUnauthorized(err) {
		s.log.Error(msg+": not authorized", args...)
		return
	}
	s.log.Warn(msg, args...)
}

// OnInputChanged reports a keystroke in the input box.
func (s *Session) OnInputChanged() {
	if !s.live() {
		return
	}
	s.typing.OnInputChanged()
}

func (s *Session) typingLoop() {
	defer s.wg.Done()
	for {
		values, open := s.typingOut.wait()
		for _, isTyping := range values {
			s.sendTyping(isTyping)
		}
		if !open {
			return
		}
	}
}

// sendTyping is not bound to the session context so the final false still
// goes out during Stop.
func (s *Session) sendTyping(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.api.SetTyping(ctx, s.conversationId, isTyping); err != nil {
		s.log.Warn("typing signal failed", "typing", isTyping, "error", err)
	}
}

// MarkRead queues a read receipt. Bursts collapse into one request per
// interval.
func (s *Session) MarkRead() error {
	if err := s.liveErr(); err != nil {
		return err
	}
	s.reconciler.MarkRead()
	return nil
}

// Stop tears the session down: final typing=false, channel closed, every
// remaining preview revoked, background work finished. Results of requests
// still in flight are discarded. Safe to call more than once and before or
// during Start.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	started := s.state != StateIdle
	s.state = StateTornDown
	s.mu.Unlock()

	s.typing.Stop()
	s.typingOut.close()
	s.cancel()

	if started {
		<-s.startDone
	}
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}

	s.staging.Close()
	s.wg.Wait()

	if started {
		metrics.SessionStopped()
	}
	s.log.Info("session stopped")
}
