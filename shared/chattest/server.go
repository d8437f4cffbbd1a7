// Package chattest runs an in-memory stand-in for the chat REST API and the
// per-user push channel, for tests. It implements the contracts the client
// consumes and nothing more.
package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/itchan-dev/chatsync/shared/api"
	"github.com/itchan-dev/chatsync/shared/domain"
	internal_errors "github.com/itchan-dev/chatsync/shared/errors"
	"github.com/itchan-dev/chatsync/shared/jwt"
	"github.com/itchan-dev/chatsync/shared/utils"
	"github.com/itchan-dev/chatsync/shared/validation"
)

const (
	AppKey       = "test-app-key"
	AppSecret    = "test-app-secret"
	Scope        = "private-chat"
	AuthPath     = "/broadcasting/auth"
	MessageEvent = "MessageSent"

	maxUploadBytes = 32 << 20
)

type TypingCall struct {
	ConversationId domain.ConversationId
	IsTyping       bool
}

type conversation struct {
	conv     domain.Conversation
	messages []domain.Message
}

type wsClient struct {
	conn     *websocket.Conn
	socketId string
	writeMu  sync.Mutex
}

func (c *wsClient) write(frame api.ChannelFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(frame)
}

type Server struct {
	*httptest.Server

	Jwt jwt.JwtService

	// Hooks; set before the client starts. A returned *ErrorWithStatusCode
	// becomes that HTTP status, any other error a 500.
	OnFetch func(id domain.ConversationId) error
	OnSend  func(id domain.ConversationId, req api.SendMessageRequest) error
	OnAuth  func(channel string) error
	// EchoSends pushes every created message to all participants' channels,
	// like a broadcaster that does not exclude the sender.
	EchoSends bool

	upgrader websocket.Upgrader

	mu            sync.Mutex
	conversations map[domain.ConversationId]*conversation
	nextMsgId     domain.MsgId
	nextSocket    int
	typing        []TypingCall
	reads         []domain.ConversationId
	uploads       []string
	phrases       []api.FixedPhrase
	clients       map[*wsClient]map[string]bool // client -> subscribed channels
	connects      int
}

// NewServer starts a server closed automatically at the end of the test.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Jwt:           jwt.New("chattest-secret", time.Hour),
		conversations: make(map[domain.ConversationId]*conversation),
		nextMsgId:     1000,
		clients:       make(map[*wsClient]map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/app/{key}", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(s.needAuth)
		r.Post(AuthPath, s.authorizeChannel)
		r.Get("/v1/fixed-phrases", s.fixedPhrases)
		r.Route("/v1/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.getConversation)
			r.Post("/messages", s.createMessage)
			r.Post("/typing", s.setTyping)
			r.Post("/read", s.markRead)
		})
	})
	return r
}

// Close drops every websocket client and shuts the HTTP server down.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*wsClient]map[string]bool)
	s.mu.Unlock()
	s.Server.Close()
}

// ChannelURL is the websocket endpoint for the client config.
func (s *Server) ChannelURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/app/" + AppKey
}

// Token issues a bearer token for user.
func (s *Server) Token(t testing.TB, user domain.User) string {
	t.Helper()
	token, err := s.Jwt.NewToken(user)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

// AddConversation seeds a conversation. Messages must carry confirmed ids.
func (s *Server) AddConversation(conv domain.Conversation, messages ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range messages {
		messages[i].ConversationId = conv.Id
	}
	s.conversations[conv.Id] = &conversation{conv: conv, messages: messages}
}

func (s *Server) SetPhrases(phrases ...api.FixedPhrase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phrases = phrases
}

func (s *Server) Messages(id domain.ConversationId) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), c.messages...)
}

func (s *Server) TypingCalls() []TypingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TypingCall(nil), s.typing...)
}

func (s *Server) ReadCalls() []domain.ConversationId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConversationId(nil), s.reads...)
}

// Uploads lists the filenames received in multipart sends, in order.
func (s *Server) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uploads...)
}

// Subscribers counts live clients subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chans := range s.clients {
		if chans[channel] {
			n++
		}
	}
	return n
}

// Connections counts live websocket clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// WaitForSubscribers polls until channel has exactly n subscribers.
func (s *Server) WaitForSubscribers(channel string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Subscribers(channel) == n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Subscribers(channel) == n
}

// PushMessage emits a message event for conversationId on channel.
func (s *Server) PushMessage(channel string, conversationId domain.ConversationId, msg api.MessageResponse) error {
	payload := api.MessageEventPayload{ConversationId: &conversationId, Message: &msg}
	frame, err := api.NewStringFrame(MessageEvent, channel, payload)
	if err != nil {
		return err
	}
	return s.PushFrame(channel, frame)
}

// PushFrame delivers frame to every subscriber of channel.
func (s *Server) PushFrame(channel string, frame api.ChannelFrame) error {
	s.mu.Lock()
	var targets []*wsClient
	for c, chans := range s.clients {
		if chans[channel] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return nil
}

// PushRaw writes an arbitrary text frame, for malformed-input tests.
func (s *Server) PushRaw(channel string, data []byte) error {
	s.mu.Lock()
	var targets []*wsClient
	for c, chans := range s.clients {
		if chans[channel] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus stamps delivered/read on a stored message and returns its
// wire form for pushing.
func (s *Server) UpdateStatus(conversationId domain.ConversationId, id domain.MsgId, status domain.Status) (api.MessageResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationId]
	if !ok {
		return api.MessageResponse{}, fmt.Errorf("conversation %d not found", conversationId)
	}
	for i := range c.messages {
		m := &c.messages[i]
		if mid, _ := m.ServerId(); mid != id {
			continue
		}
		now := time.Now().UTC()
		if status >= domain.StatusDelivered && m.DeliveredAt == nil {
			m.DeliveredAt = &now
		}
		if status == domain.StatusRead && m.ReadAt == nil {
			m.ReadAt = &now
		}
		return api.FromDomain(*m), nil
	}
	return api.MessageResponse{}, fmt.Errorf("message %d not found", id)
}

type userKey struct{}

func (s *Server) needAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}
		token, err := s.Jwt.DecodeToken(tokenString)
		if err != nil {
			utils.WriteErrorAndStatusCode(w, err)
			return
		}
		user, err := jwt.UserFromToken(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) domain.User {
	user, _ := r.Context().Value(userKey{}).(domain.User)
	return user
}

func conversationIdFrom(r *http.Request) (domain.ConversationId, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, &internal_errors.ErrorWithStatusCode{Message: "bad conversation id", StatusCode: http.StatusBadRequest}
	}
	return id, nil
}

func hookError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	utils.WriteErrorAndStatusCode(w, err)
	return true
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationIdFrom(r)
	if hookError(w, err) {
		return
	}
	if s.OnFetch != nil && hookError(w, s.OnFetch(id)) {
		return
	}

	s.mu.Lock()
	c, ok := s.conversations[id]
	var resp api.ConversationSnapshotResponse
	if ok {
		resp.Conversation = api.ConversationResponse{Id: c.conv.Id, LastReadAt: c.conv.LastReadAt}
		for _, p := range c.conv.Participants {
			resp.Conversation.Participants = append(resp.Conversation.Participants, api.ParticipantResponse{
				Id: p.Id, Type: p.Type, Name: p.Name, IsOnline: p.IsOnline, LastSeen: p.LastSeen,
			})
		}
		resp.Messages = make([]api.MessageResponse, 0, len(c.messages))
		for _, m := range c.messages {
			resp.Messages = append(resp.Messages, api.FromDomain(m))
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	id, err := conversationIdFrom(r)
	if hookError(w, err) {
		return
	}

	var req api.SendMessageRequest
	var files []domain.Attachment
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := validation.ValidateAndParseMultipart(r, w, maxUploadBytes); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if err := utils.DecodeValidate(strings.NewReader(r.FormValue("json")), &req); err != nil {
			utils.WriteErrorAndStatusCode(w, err)
			return
		}
		for _, fh := range r.MultipartForm.File["attachments"] {
			mimeType, err := validation.DetectMimeType(fh.Filename, fh.Header.Get("Content-Type"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			files = append(files, domain.Attachment{FileCommonMetadata: domain.FileCommonMetadata{
				Filename: fh.Filename, SizeBytes: fh.Size, MimeType: mimeType,
			}})
		}
	} else if err := utils.DecodeValidate(r.Body, &req); err != nil {
		utils.WriteErrorAndStatusCode(w, err)
		return
	}

	if strings.TrimSpace(req.Body) == "" && len(files) == 0 {
		http.Error(w, "empty message", http.StatusUnprocessableEntity)
		return
	}
	if s.OnSend != nil && hookError(w, s.OnSend(id, req)) {
		return
	}

	user := userFrom(r)
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	s.nextMsgId++
	msg := domain.Message{
		Identity:       domain.ConfirmedIdentity{Id: s.nextMsgId},
		ClientTempId:   req.ClientTempId,
		ConversationId: id,
		SenderId:       user.Id,
		Body:           req.Body,
		CreatedAt:      time.Now().UTC(),
		Status:         domain.StatusSent,
	}
	for i, f := range files {
		f.RemotePath = fmt.Sprintf("/media/%d/%d-%s", s.nextMsgId, i, f.Filename)
		msg.Attachments = append(msg.Attachments, f)
		s.uploads = append(s.uploads, f.Filename)
	}
	c.messages = append(c.messages, msg)
	participants := append([]domain.Participant(nil), c.conv.Participants...)
	s.mu.Unlock()

	resp := api.FromDomain(msg)
	utils.WriteJSON(w, http.StatusCreated, api.SendMessageResponse{Message: resp})

	if s.EchoSends {
		for _, p := range participants {
			s.PushMessage(api.ChannelName(Scope, p.Type, p.Id), id, resp)
		}
	}
}

func (s *Server) setTyping(w http.ResponseWriter, r *http.Request) {
	id, err := conversationIdFrom(r)
	if hookError(w, err) {
		return
	}
	var req api.TypingRequest
	if err := utils.Decode(r.Body, &req); err != nil {
		utils.WriteErrorAndStatusCode(w, err)
		return
	}
	s.mu.Lock()
	s.typing = append(s.typing, TypingCall{ConversationId: id, IsTyping: req.IsTyping})
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, err := conversationIdFrom(r)
	if hookError(w, err) {
		return
	}
	s.mu.Lock()
	s.reads = append(s.reads, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fixedPhrases(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := api.FixedPhrasesResponse{Phrases: append([]api.FixedPhrase{}, s.phrases...)}
	s.mu.Unlock()
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) authorizeChannel(w http.ResponseWriter, r *http.Request) {
	var req api.ChannelAuthRequest
	if err := utils.DecodeValidate(r.Body, &req); err != nil {
		utils.WriteErrorAndStatusCode(w, err)
		return
	}
	if s.OnAuth != nil && hookError(w, s.OnAuth(req.ChannelName)) {
		return
	}
	user := userFrom(r)
	if req.ChannelName != api.ChannelName(Scope, user.Type, user.Id) {
		http.Error(w, "channel does not belong to user", http.StatusForbidden)
		return
	}
	utils.WriteJSON(w, http.StatusOK, api.ChannelAuthResponse{
		Auth: utils.SignChannel(AppKey, AppSecret, req.SocketId, req.ChannelName),
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "key") != AppKey {
		http.Error(w, "unknown app key", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextSocket++
	s.connects++
	c := &wsClient{conn: conn, socketId: fmt.Sprintf("%d.%d", s.nextSocket, time.Now().UnixNano()%1000000)}
	s.clients[c] = make(map[string]bool)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	hello, _ := api.NewStringFrame(api.EventConnectionEstablished, "", api.ConnectionEstablished{SocketId: c.socketId, ActivityTimeout: 120})
	if err := c.write(hello); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame api.ChannelFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		payload, err := frame.Payload()
		if err != nil {
			continue
		}
		var sub api.SubscribeData
		if err := json.Unmarshal(payload, &sub); err != nil {
			continue
		}

		switch frame.Event {
		case api.EventSubscribe:
			if !utils.VerifyChannelSignature(AppKey, AppSecret, c.socketId, sub.Channel, sub.Auth) {
				errFrame, _ := api.NewFrame(api.EventError, "", api.ChannelError{Message: "invalid signature", Code: 4009})
				c.write(errFrame)
				continue
			}
			s.mu.Lock()
			if chans, ok := s.clients[c]; ok {
				chans[sub.Channel] = true
			}
			s.mu.Unlock()
			ok, _ := api.NewStringFrame(api.EventSubscriptionSucceeded, sub.Channel, struct{}{})
			c.write(ok)
		case api.EventUnsubscribe:
			s.mu.Lock()
			if chans, ok := s.clients[c]; ok {
				delete(chans, sub.Channel)
			}
			s.mu.Unlock()
		}
	}
}
