package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// WSBaseURL is the push channel base; the user id is appended as
	// /ws/<id>.
	WSBaseURL            string
	PageSize             int
	ConversationPageSize int
	ReconnectDelay       time.Duration
}

func (c *Config) defaults() {
	if c.WSBaseURL == "" {
		c.WSBaseURL = "ws://localhost:8000"
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ConversationPageSize <= 0 {
		c.ConversationPageSize = DefaultConversationPageSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the composition root: it wires the pager, send pipeline, read
// reconciler, conversation index, presence tracker and push connection
// around one Session and exposes the surface the UI consumes.
type Engine struct {
	session   *Session
	backend   Backend
	cfg       Config
	log       zerolog.Logger
	metrics   *Metrics
	transport Transport
	events    *emitter

	conn     *ConnectionManager
	presence *PresenceTracker
	pager    *MessagePager
	sender   *SendPipeline
	reads    *ReadStateReconciler
	index    *ConversationIndex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

type EngineOption func(*Engine)

func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTransport replaces the websocket transport.
func WithTransport(t Transport) EngineOption {
	return func(e *Engine) { e.transport = t }
}

func NewEngine(session *Session, backend Backend, opts ...EngineOption) *Engine {
	e := &Engine{
		session: session,
		backend: backend,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.defaults()
	e.events = newEmitter(e.log)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.presence = NewPresenceTracker(e.component("presence"), func(s *PresenceSet) {
		e.events.emit(EventPresence, s)
	})
	e.index = NewConversationIndex(backend, session, e.cfg.ConversationPageSize, e.component("conversations"), func(c []Conversation) {
		e.events.emit(EventConversations, c)
	})
	e.pager = NewMessagePager(backend, e.cfg.PageSize, e.component("pager"), e.metrics, func(m []Message) {
		e.events.emit(EventMessages, m)
	})
	e.reads = NewReadStateReconciler(backend, e.pager, e.index, e.component("readstate"), e.metrics)
	e.conn = NewConnectionManager(ConnectionConfig{
		BaseURL:        e.cfg.WSBaseURL,
		Transport:      e.transport,
		ReconnectDelay: e.cfg.ReconnectDelay,
		Logger:         e.log,
		Metrics:        e.metrics,
		OnStateChange: func(s ConnState) {
			e.events.emit(EventConnection, s)
		},
		Handlers: FrameHandlers{
			OnOnlineUsers: e.handleOnlineUsers,
			OnMessage:     e.handleMessage,
			OnRead:        e.handleRead,
			OnStatus:      e.handleStatus,
			OnUnread:      e.handleUnread,
		},
	})
	e.sender = NewSendPipeline(backend, e.pager, e.conn, e.refreshQuietly, e.component("send"), e.metrics)
	return e
}

func (e *Engine) component(name string) zerolog.Logger {
	return e.log.With().Str("component", name).Logger()
}

// On registers an observer for one of the Event* names.
func (e *Engine) On(event string, handler EventHandler) {
	e.events.On(event, handler)
}

// Load resolves the session user and loads the conversation list without
// opening the push channel. An unknown user clears the identity and returns
// ErrAccessDenied.
func (e *Engine) Load(ctx context.Context) error {
	userID := e.session.UserID()
	user, err := e.backend.GetUser(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			e.session.clear()
			e.events.emit(EventIdentity, (*User)(nil))
			e.log.Warn().Str("user_id", userID).Msg("current user not found, identity cleared")
			return fmt.Errorf("%w: user %s", ErrAccessDenied, userID)
		}
		return fmt.Errorf("resolve current user: %w", err)
	}
	e.session.setUser(user)
	e.events.emit(EventIdentity, e.session.User())
	e.log.Info().Str("user_id", user.ID).Str("role", string(user.Role)).Msg("session started")

	return e.index.Refresh(ctx)
}

// Start runs Load and opens the push channel. A failed initial dial is
// logged and retried in the background; REST state is already usable.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancel(context.Background())
	}
	e.mu.Unlock()

	if err := e.conn.Connect(ctx, e.session.UserID()); err != nil {
		e.log.Warn().Err(err).Msg("push channel unavailable, retrying in background")
	}
	return nil
}

// Stop closes the push channel, cancels background work and waits for it
// to return. Safe to call more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	err := e.conn.Disconnect()
	e.bg.Wait()
	return err
}

// Close stops the engine and drops every registered observer.
func (e *Engine) Close() error {
	err := e.Stop()
	e.events.removeAll()
	return err
}

// background runs fn off the push read loop, bound to the engine context.
// Nothing is started once the engine is stopped.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.ctx
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bg.Done()
		fn(ctx)
	}()
}

// ----------------------------------------------------------------------------
// Intents
// ----------------------------------------------------------------------------

// SelectConversation activates a listed conversation, loads its newest page
// and marks it read when the role allows and it has unread messages.
func (e *Engine) SelectConversation(ctx context.Context, conversationID int64) error {
	conv, ok := e.index.Get(conversationID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConversation, conversationID)
	}
	loadErr := e.pager.Select(ctx, conversationID)

	self := e.session.UserID()
	var readErr error
	if e.reads.ShouldAutoMark(e.session.Role(), &conv, self) {
		readErr = e.reads.MarkConversationRead(ctx, conversationID, self)
	}
	return errors.Join(loadErr, readErr)
}

// OpenConversation finds or creates the conversation with peerID and
// selects it.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) (*Conversation, error) {
	conv, err := e.index.Ensure(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.index.Get(conv.ID); !ok {
		// Not yet visible in the list; select directly.
		return conv, e.pager.Select(ctx, conv.ID)
	}
	return conv, e.SelectConversation(ctx, conv.ID)
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	e.pager.Clear()
}

// Send sends content to the active conversation.
func (e *Engine) Send(ctx context.Context, content string, typ MessageType) (*Message, error) {
	if !e.session.Role().CanWrite() {
		return nil, ErrReadOnly
	}
	active := e.pager.Active()
	if active == 0 {
		return nil, ErrNoActiveConversation
	}
	return e.sender.Send(ctx, active, e.session.UserID(), content, typ)
}

// SendFile uploads data and sends its URL as an image or file message.
func (e *Engine) SendFile(ctx context.Context, fileName string, data []byte) (*Message, error) {
	if !e.session.Role().CanWrite() {
		return nil, ErrReadOnly
	}
	if e.pager.Active() == 0 {
		return nil, ErrNoActiveConversation
	}
	res, err := e.backend.Upload(ctx, fileName, data)
	if err != nil {
		e.log.Err(err).Str("file", fileName).Msg("upload failed")
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	typ := MessageFile
	if isImage(fileName) {
		typ = MessageImage
	}
	return e.Send(ctx, res.URL, typ)
}

// LoadMore fetches the next older page of the active conversation.
func (e *Engine) LoadMore(ctx context.Context) error {
	return e.pager.LoadMore(ctx)
}

// MarkRead marks the active conversation read for the session user.
func (e *Engine) MarkRead(ctx context.Context) error {
	if !e.session.Role().CanWrite() {
		return ErrReadOnly
	}
	active := e.pager.Active()
	if active == 0 {
		return ErrNoActiveConversation
	}
	return e.reads.MarkConversationRead(ctx, active, e.session.UserID())
}

// RefreshConversations reloads the conversation list.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	return e.index.Refresh(ctx)
}

// Merchants lists merchant accounts a buyer can open conversations with.
func (e *Engine) Merchants(ctx context.Context) ([]User, error) {
	users, err := e.backend.ListUsers(ctx, RoleMerchant)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	return users, nil
}

// QuickReplies returns the session user's active reply templates in
// display order.
func (e *Engine) QuickReplies(ctx context.Context) ([]QuickReply, error) {
	all, err := e.backend.ListQuickReplies(ctx, e.session.UserID())
	if err != nil {
		return nil, fmt.Errorf("list quick replies: %w", err)
	}
	out := make([]QuickReply, 0, len(all))
	for _, q := range all {
		if q.IsActive {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

// ----------------------------------------------------------------------------
// Queries
// ----------------------------------------------------------------------------

func (e *Engine) CurrentUser() *User { return e.session.User() }

// CurrentConversation returns the active conversation as held by the index.
func (e *Engine) CurrentConversation() (Conversation, bool) {
	active := e.pager.Active()
	if active == 0 {
		return Conversation{}, false
	}
	return e.index.Get(active)
}

func (e *Engine) Conversations() []Conversation { return e.index.List() }
func (e *Engine) Messages() []Message           { return e.pager.Messages() }
func (e *Engine) UnreadTotal() int              { return e.index.UnreadTotal() }
func (e *Engine) HasMore() bool                 { return e.pager.HasMore() }
func (e *Engine) Loading() bool                 { return e.pager.Loading() }
func (e *Engine) IsOnline(userID string) bool   { return e.presence.IsOnline(userID) }
func (e *Engine) Presence() *PresenceSet        { return e.presence.Snapshot() }
func (e *Engine) ConnState() ConnState          { return e.conn.State() }

// ----------------------------------------------------------------------------
// Push handlers. Each swallows its own failures so one bad frame cannot
// stop the read loop.
// ----------------------------------------------------------------------------

func (e *Engine) handleOnlineUsers(f OnlineUsersFrame) {
	e.presence.ApplySnapshot(f.Users)
}

func (e *Engine) handleStatus(f StatusFrame) {
	e.presence.ApplyStatus(f.UserID, f.Status)
}

func (e *Engine) handleMessage(f MessageFrame) {
	self := e.session.UserID()
	typ := f.MessageType
	if typ == "" {
		typ = MessageText
	}
	createdAt := f.Timestamp
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	autoRead := f.ConversationID == e.pager.Active() &&
		f.SenderID != self &&
		e.session.Role().CanAutoMarkRead()

	e.pager.AppendPushed(Message{
		ID:             f.ID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		Type:           typ,
		CreatedAt:      createdAt,
		IsRead:         autoRead,
	})

	e.background(func(ctx context.Context) {
		if autoRead {
			if err := e.reads.MarkConversationRead(ctx, f.ConversationID, self); err != nil {
				e.log.Warn().Err(err).Int64("conversation_id", f.ConversationID).Msg("auto read-mark failed")
			}
		}
		e.refreshQuietly(ctx)
	})
}

func (e *Engine) handleRead(f ReadFrame) {
	if f.ReaderID != "" && f.ReaderID == e.session.UserID() {
		return
	}
	e.reads.ApplyPeerRead(f, e.session.UserID())
}

func (e *Engine) handleUnread(f UnreadFrame) {
	e.log.Debug().Int64("conversation_id", f.ConversationID).Int("count", f.Count).Msg("unread frame ignored")
}

// refreshQuietly reloads the list; Refresh already logs failures.
func (e *Engine) refreshQuietly(ctx context.Context) {
	_ = e.index.Refresh(ctx)
}
