// Package realtime keeps one push-channel subscription per signed-in user
// and feeds the events for the active conversation to a handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/jwt"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/itchan-dev/chatsync/shared/metrics"
	"github.com/itchan-dev/chatsync/shared/utils"
)

var (
	// ErrNoCredentials means realtime is unavailable; callers run REST-only.
	ErrNoCredentials = errors.New("realtime: missing user id or auth token")
	ErrSubscribe     = errors.New("realtime: subscription refused")
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	maxFrameBytes    = 1 << 20
)

// Authorizer signs a private channel subscription for a socket. The REST
// client implements it.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, authPath, socketId, channel string) (string, error)
}

type Options struct {
	URL           string // websocket endpoint
	AuthPath      string
	Scope         string
	DedupCapacity int
	Sanitizer     *utils.Sanitizer
}

type Subscriber struct {
	opts   Options
	auth   Authorizer
	dialer *websocket.Dialer
	now    func() time.Time
}

func NewSubscriber(opts Options, auth Authorizer) *Subscriber {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 512
	}
	return &Subscriber{
		opts: opts,
		auth: auth,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		now: time.Now,
	}
}

// Handler receives the events of the active conversation, one at a time,
// in the order the transport delivered them. It runs on the read loop with
// the subscription locked: it must not block, and Close waits for it.
type Handler func(MessageEvent)

// ResolveCredentials fills a missing user id or type from the token's claims.
// It fails with ErrNoCredentials when the result is still incomplete, or
// with jwt.ErrTokenExpired for a token past its exp.
func ResolveCredentials(creds domain.Credentials, now time.Time) (domain.Credentials, error) {
	if creds.AuthToken == "" {
		return creds, ErrNoCredentials
	}
	claims, err := jwt.Inspect(creds.AuthToken, now)
	if err != nil {
		return creds, err
	}
	if creds.Id == 0 {
		creds.Id = claims.UserId
	}
	if creds.Type == "" {
		creds.Type = claims.UserType
	}
	if !creds.Complete() {
		return creds, ErrNoCredentials
	}
	return creds, nil
}

// Open subscribes to the user's private channel and delivers events for
// conversationId to handle. A failed Open leaves nothing running.
func (s *Subscriber) Open(ctx context.Context, creds domain.Credentials, conversationId domain.ConversationId, handle Handler) (*Subscription, error) {
	creds, err := ResolveCredentials(creds, s.now())
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		Channel:        api.ChannelName(s.opts.Scope, creds.Type, creds.Id),
		conversationId: conversationId,
		handle:         handle,
		seen:           NewRecencySet(s.opts.DedupCapacity),
		sanitizer:      s.opts.Sanitizer,
		send:           make(chan []byte, 16),
		done:           make(chan struct{}),
		readDone:       make(chan struct{}),
		log:            logger.With("conversation", conversationId),
	}
	ok := false
	defer func() {
		if !ok {
			sub.Close()
		}
	}()

	if err := sub.connect(ctx, s.dialer, s.opts.URL); err != nil {
		return nil, err
	}
	// a cancelled ctx unblocks the handshake reads
	stopWatch := context.AfterFunc(ctx, func() { sub.ws.Close() })
	defer stopWatch()

	if err := sub.awaitEstablished(ctx); err != nil {
		return nil, err
	}
	auth, err := s.auth.AuthorizeChannel(ctx, s.opts.AuthPath, sub.socketId, sub.Channel)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", sub.Channel, err)
	}
	if err := sub.subscribe(ctx, auth); err != nil {
		return nil, err
	}
	if !stopWatch() {
		return nil, ctx.Err()
	}

	sub.start()
	ok = true
	sub.log.Info("realtime channel open", "channel", sub.Channel, "socket_id", sub.socketId)
	return sub, nil
}

// Subscription is the single handle to an open channel. Close releases
// everything Open acquired, whatever stage Open reached.
type Subscription struct {
	Channel string

	conversationId domain.ConversationId
	handle         Handler
	seen           *RecencySet
	sanitizer      *utils.Sanitizer
	log            *slog.Logger

	ws         *websocket.Conn
	socketId   string
	subscribed bool

	send      chan []byte
	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when the read loop exits
	started   bool
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex // serializes handle with Close
	closed bool
}

func (s *Subscription) connect(ctx context.Context, dialer *websocket.Dialer, url string) error {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	s.ws = ws
	ws.SetReadLimit(maxFrameBytes)
	return nil
}

func (s *Subscription) awaitEstablished(ctx context.Context) error {
	frame, err := s.readFrame(ctx)
	if err != nil {
		return err
	}
	if frame.Event != api.EventConnectionEstablished {
		return fmt.Errorf("realtime: expected %s, got %q", api.EventConnectionEstablished, frame.Event)
	}
	payload, err := frame.Payload()
	if err != nil {
		return err
	}
	var est api.ConnectionEstablished
	if err := json.Unmarshal(payload, &est); err != nil || est.SocketId == "" {
		return fmt.Errorf("realtime: bad connection_established payload")
	}
	s.socketId = est.SocketId
	return nil
}

func (s *Subscription) subscribe(ctx context.Context, auth string) error {
	frame, err := api.NewFrame(api.EventSubscribe, "", api.SubscribeData{Auth: auth, Channel: s.Channel})
	if err != nil {
		return err
	}
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		reply, err := s.readFrame(ctx)
		if err != nil {
			return err
		}
		switch reply.Event {
		case api.EventSubscriptionSucceeded:
			if reply.Channel == s.Channel {
				s.subscribed = true
				return nil
			}
		case api.EventError:
			var e api.ChannelError
			if payload, err := reply.Payload(); err == nil {
				json.Unmarshal(payload, &e)
			}
			return fmt.Errorf("%w: %s (code %d)", ErrSubscribe, e.Message, e.Code)
		}
	}
}

// readFrame is used before the read loop starts; it honours ctx's deadline.
func (s *Subscription) readFrame(ctx context.Context) (api.ChannelFrame, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.ws.SetReadDeadline(deadline)

	var frame api.ChannelFrame
	if err := s.ws.ReadJSON(&frame); err != nil {
		return frame, fmt.Errorf("realtime handshake: %w", err)
	}
	return frame, nil
}

func (s *Subscription) start() {
	s.started = true
	s.wg.Add(2)
	go s.writePump()
	go s.readPump()
}

func (s *Subscription) readPump() {
	defer func() {
		close(s.readDone)
		s.wg.Done()
	}()

	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Warn("realtime channel lost", "channel", s.Channel, "error", err)
				}
			}
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(data)
	}
}

func (s *Subscription) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
		s.wg.Done()
	}()

	for {
		select {
		case data := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.goodbye()
			return

		case <-s.readDone:
			return
		}
	}
}

// goodbye unsubscribes and sends a close frame, best effort.
func (s *Subscription) goodbye() {
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if s.subscribed {
		if frame, err := api.NewFrame(api.EventUnsubscribe, "", api.SubscribeData{Channel: s.Channel}); err == nil {
			s.ws.WriteJSON(frame)
		}
	}
	s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Subscription) handleFrame(data []byte) {
	var frame api.ChannelFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.InboundEvent(metrics.EventMalformed)
		s.log.Debug("dropping unparseable frame", "error", err)
		return
	}

	if frame.IsProtocol() {
		switch frame.Event {
		case "pusher:ping":
			if pong, err := json.Marshal(api.ChannelFrame{Event: "pusher:pong", Data: json.RawMessage(`{}`)}); err == nil {
				select {
				case s.send <- pong:
				default:
				}
			}
		case api.EventError:
			payload, _ := frame.Payload()
			s.log.Warn("realtime channel error", "channel", s.Channel, "data", string(payload))
		}
		return
	}
	if frame.Channel != "" && frame.Channel != s.Channel {
		return
	}

	switch ev := Decode(frame).(type) {
	case UnrecognizedEvent:
		metrics.InboundEvent(metrics.EventMalformed)
		s.log.Debug("dropping unrecognized event", "event", ev.Name, "reason", ev.Reason)

	case MessageEvent:
		if ev.ConversationId != s.conversationId {
			metrics.InboundEvent(metrics.EventFiltered)
			return
		}
		if !s.seen.Add(ev.DedupKey) {
			metrics.InboundEvent(metrics.EventDuplicate)
			return
		}
		ev.Message.Body = s.sanitizer.Body(ev.Message.Body)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		metrics.InboundEvent(metrics.EventApplied)
		s.handle(ev)
	}
}

// Done is closed when the read loop has stopped, either after Close or
// because the connection dropped.
func (s *Subscription) Done() <-chan struct{} {
	return s.readDone
}

// Close unbinds the handler, unsubscribes and disconnects. After Close
// returns the handler is never called again. Safe to call more than once,
// and on a subscription whose Open failed part way. Must not be called
// from inside the handler.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		if !s.started {
			if s.ws != nil {
				s.ws.Close()
			}
			close(s.readDone)
			return
		}
		s.wg.Wait()
		s.log.Info("realtime channel closed", "channel", s.Channel)
	})
}
