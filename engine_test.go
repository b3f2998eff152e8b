package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestEngine(session *Session, b Backend, tr Transport) *Engine {
	return NewEngine(session, b,
		WithTransport(tr),
		WithConfig(Config{WSBaseURL: "ws://chat.test", ReconnectDelay: 20 * time.Millisecond}),
	)
}

type eventLog struct {
	mu     sync.Mutex
	events map[string][]any
}

func recordEvents(e *Engine, names ...string) *eventLog {
	l := &eventLog{events: make(map[string][]any)}
	for _, name := range names {
		e.On(name, func(event string, payload any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events[event] = append(l.events[event], payload)
		})
	}
	return l
}

func (l *eventLog) get(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.events[name]...)
}

func TestEngineSelectMarksReadForParticipant(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{
		{ID: 3, Participant1ID: "b1", Participant2ID: "m1", Participant2Unread: 3},
	}, nil)
	b.On("ListMessages", mock.Anything, int64(3), 1, 50).Return(&Page[Message]{Count: 1, Results: []Message{
		{ID: 1, ConversationID: 3, SenderID: "b1"},
	}}, nil).Once()
	b.On("MarkAllMessagesRead", mock.Anything, int64(3), "m1").Return(nil).Once()
	b.On("MarkConversationRead", mock.Anything, int64(3), "m1").Return(nil).Once()

	e := newTestEngine(newTestSession("m1", RoleMerchant), b, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, e.RefreshConversations(ctx))
	assert.Equal(t, 3, e.UnreadTotal())

	require.NoError(t, e.SelectConversation(ctx, 3))

	assert.Equal(t, 0, e.UnreadTotal())
	cur, ok := e.CurrentConversation()
	require.True(t, ok)
	assert.Equal(t, 0, cur.Participant2Unread)
	assert.True(t, e.Messages()[0].IsRead)
	b.AssertExpectations(t)
}

func TestEngineAdminIsReadOnly(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, ConversationScope{PageSize: 100}).Return([]Conversation{
		{ID: 3, Participant1ID: "b1", Participant2ID: "m1", Participant1Unread: 1, Participant2Unread: 2},
	}, nil)
	b.On("ListMessages", mock.Anything, int64(3), 1, 50).Return(page(3, 0), nil)

	e := newTestEngine(newTestSession("root", RoleAdmin), b, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, e.RefreshConversations(ctx))
	require.NoError(t, e.SelectConversation(ctx, 3))

	_, err := e.Send(ctx, "hi", MessageText)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = e.SendFile(ctx, "a.png", []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = e.OpenConversation(ctx, "m1")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, e.MarkRead(ctx), ErrReadOnly)

	assert.Equal(t, 0, e.UnreadTotal(), "admin is outside every pair")
	b.AssertNotCalled(t, "MarkAllMessagesRead", mock.Anything, mock.Anything, mock.Anything)
	b.AssertNotCalled(t, "MarkConversationRead", mock.Anything, mock.Anything, mock.Anything)
	b.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestEngineRejectsWithoutSelection(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{}, nil)

	e := newTestEngine(newTestSession("b1", RoleBuyer), b, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, e.RefreshConversations(ctx))

	_, err := e.Send(ctx, "hi", MessageText)
	assert.ErrorIs(t, err, ErrNoActiveConversation)
	assert.ErrorIs(t, e.MarkRead(ctx), ErrNoActiveConversation)
	assert.ErrorIs(t, e.SelectConversation(ctx, 99), ErrUnknownConversation)
	_, ok := e.CurrentConversation()
	assert.False(t, ok)
}

func TestEngineStartUnknownUserDeniesAccess(t *testing.T) {
	b := &mockBackend{}
	b.On("GetUser", mock.Anything, "ghost").Return(nil, &APIError{StatusCode: 404, Method: "GET", Path: "/users/ghost"})
	tr := &fakeTransport{}

	e := newTestEngine(NewSession("ghost", "token"), b, tr)
	events := recordEvents(e, EventIdentity)

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Nil(t, e.CurrentUser())

	identity := events.get(EventIdentity)
	require.Len(t, identity, 1)
	assert.Nil(t, identity[0])
	assert.Zero(t, tr.dials())
	b.AssertNotCalled(t, "ListConversations", mock.Anything, mock.Anything)
}

func TestEngineLoadDoesNotDial(t *testing.T) {
	b := &mockBackend{}
	b.On("GetUser", mock.Anything, "m1").Return(&User{ID: "m1", Role: RoleMerchant}, nil)
	b.On("ListConversations", mock.Anything, mock.Anything).
		Return([]Conversation{{ID: 3, Participant1ID: "b1", Participant2ID: "m1", Participant2Unread: 2}}, nil)

	tr := &fakeTransport{}
	e := newTestEngine(NewSession("m1", "token"), b, tr)
	defer e.Close()

	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, RoleMerchant, e.CurrentUser().Role)
	assert.Equal(t, 2, e.UnreadTotal())
	assert.Equal(t, StateDisconnected, e.ConnState())
	assert.Zero(t, tr.dials())
}

func TestEngineStartRetriesFailedDial(t *testing.T) {
	b := &mockBackend{}
	b.On("GetUser", mock.Anything, "b1").Return(&User{ID: "b1", Role: RoleBuyer}, nil)
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{}, nil)
	tr := &fakeTransport{failures: 1}

	e := newTestEngine(NewSession("b1", "token"), b, tr)
	defer e.Close()

	require.NoError(t, e.Start(context.Background()), "REST state is usable without the push channel")
	require.Eventually(t, func() bool { return e.ConnState() == StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tr.dials())
	assert.Equal(t, RoleBuyer, e.CurrentUser().Role)
}

func TestEnginePushFlows(t *testing.T) {
	b := &mockBackend{}
	b.On("GetUser", mock.Anything, "b1").Return(&User{ID: "b1", Role: RoleBuyer}, nil)
	b.On("ListConversations", mock.Anything, ConversationScope{ParticipantID: "b1", Role: RoleBuyer, PageSize: 100}).
		Return([]Conversation{{ID: 3, Participant1ID: "b1", Participant2ID: "m1"}}, nil)
	b.On("ListMessages", mock.Anything, int64(3), 1, 50).Return(&Page[Message]{Count: 2, Results: []Message{
		{ID: 11, ConversationID: 3, SenderID: "b1"},
		{ID: 10, ConversationID: 3, SenderID: "m1", IsRead: true},
	}}, nil)
	marked := make(chan struct{}, 1)
	b.On("MarkAllMessagesRead", mock.Anything, int64(3), "b1").Return(nil)
	b.On("MarkConversationRead", mock.Anything, int64(3), "b1").
		Run(func(mock.Arguments) { marked <- struct{}{} }).
		Return(nil)

	tr := &fakeTransport{}
	e := newTestEngine(NewSession("b1", "token"), b, tr)
	events := recordEvents(e, EventConnection, EventPresence)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.Equal(t, StateConnected, e.ConnState())
	assert.Equal(t, []string{"ws://chat.test/ws/b1"}, tr.urls)
	require.NoError(t, e.SelectConversation(ctx, 3))
	ch := tr.last()

	ch.push(t, map[string]any{"type": "online_users", "users": []string{"m1"}})
	require.Eventually(t, func() bool { return e.IsOnline("m1") }, time.Second, 5*time.Millisecond)

	ch.push(t, map[string]any{"type": "message", "id": 12, "conversation_id": 3, "sender_id": "m1", "content": "hello", "timestamp": 1700000000})
	select {
	case <-marked:
	case <-time.After(time.Second):
		t.Fatal("pushed message was not marked read")
	}
	msgs := e.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(12), msgs[2].ID)
	assert.True(t, msgs[2].IsRead)
	assert.Equal(t, MessageText, msgs[2].Type)

	assert.False(t, readFlags(e.Messages())[11], "own message waits for the peer")
	ch.push(t, map[string]any{"type": "read", "conversation_id": 3, "reader_id": "b1"})
	ch.push(t, map[string]any{"type": "read", "conversation_id": 3, "reader_id": "m1"})
	require.Eventually(t, func() bool { return readFlags(e.Messages())[11] }, time.Second, 5*time.Millisecond)

	ch.push(t, map[string]any{"type": "status", "user_id": "m1", "status": "offline"})
	require.Eventually(t, func() bool { return !e.IsOnline("m1") }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, len(events.get(EventPresence)), 2)

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.Equal(t, StateDisconnected, e.ConnState())

	states := events.get(EventConnection)
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestEngineSlowFollowUpDoesNotStallFrames(t *testing.T) {
	b := &mockBackend{}
	b.On("GetUser", mock.Anything, "b1").Return(&User{ID: "b1", Role: RoleBuyer}, nil)
	b.On("ListConversations", mock.Anything, mock.Anything).
		Return([]Conversation{{ID: 3, Participant1ID: "b1", Participant2ID: "m1"}}, nil)
	b.On("ListMessages", mock.Anything, int64(3), 1, 50).Return(page(3, 0), nil)
	started, release := make(chan struct{}), make(chan struct{})
	b.On("MarkAllMessagesRead", mock.Anything, int64(3), "b1").
		Run(func(mock.Arguments) { close(started); <-release }).
		Return(nil).Once()
	b.On("MarkConversationRead", mock.Anything, int64(3), "b1").Return(nil)

	tr := &fakeTransport{}
	e := newTestEngine(NewSession("b1", "token"), b, tr)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.SelectConversation(ctx, 3))
	ch := tr.last()

	ch.push(t, map[string]any{"type": "message", "id": 12, "conversation_id": 3, "sender_id": "m1", "content": "hello"})
	<-started

	ch.push(t, map[string]any{"type": "online_users", "users": []string{"m1"}})
	require.Eventually(t, func() bool { return e.IsOnline("m1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{12}, ids(e.Messages()))

	close(release)
	require.NoError(t, e.Stop())
	b.AssertCalled(t, "MarkConversationRead", mock.Anything, int64(3), "b1")
}

func TestEngineOpenConversationCreatesAndSelects(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{}, nil).Once()
	b.On("CreateConversation", mock.Anything, mock.Anything).
		Return(&Conversation{ID: 5, Participant1ID: "b1", Participant2ID: "m1"}, nil).Once()
	b.On("ListConversations", mock.Anything, mock.Anything).
		Return([]Conversation{{ID: 5, Participant1ID: "b1", Participant2ID: "m1"}}, nil)
	b.On("ListMessages", mock.Anything, int64(5), 1, 50).Return(page(5, 0), nil)

	e := newTestEngine(newTestSession("b1", RoleBuyer), b, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, e.RefreshConversations(ctx))

	conv, err := e.OpenConversation(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), conv.ID)
	cur, ok := e.CurrentConversation()
	require.True(t, ok)
	assert.Equal(t, int64(5), cur.ID)
	assert.Empty(t, e.Messages())
	assert.False(t, e.HasMore())
}

func TestEngineSendFile(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{{ID: 3, Participant1ID: "b1", Participant2ID: "m1"}}, nil)
	b.On("ListMessages", mock.Anything, int64(3), 1, 50).Return(page(3, 0), nil)
	data := []byte("\x89PNG")
	b.On("Upload", mock.Anything, "photo.png", data).Return(&UploadResult{URL: "/static/photo.png", FileType: "image"}, nil)
	b.On("CreateMessage", mock.Anything, mock.MatchedBy(func(r *CreateMessageRequest) bool {
		return r.Type == MessageImage && r.Content == "/static/photo.png" && r.SenderID == "b1"
	})).Return(&Message{ID: 20, ConversationID: 3, SenderID: "b1", Content: "/static/photo.png", Type: MessageImage}, nil)

	e := newTestEngine(newTestSession("b1", RoleBuyer), b, &fakeTransport{})
	ctx := context.Background()
	require.NoError(t, e.RefreshConversations(ctx))
	require.NoError(t, e.SelectConversation(ctx, 3))

	msg, err := e.SendFile(ctx, "photo.png", data)
	require.NoError(t, err)
	assert.Equal(t, MessageImage, msg.Type)
	assert.Equal(t, []int64{20}, ids(e.Messages()))
}

func TestEngineQuickRepliesActiveInOrder(t *testing.T) {
	b := &mockBackend{}
	b.On("ListQuickReplies", mock.Anything, "m1").Return([]QuickReply{
		{ID: 1, Content: "later", SortOrder: 2, IsActive: true},
		{ID: 2, Content: "hidden", SortOrder: 0, IsActive: false},
		{ID: 3, Content: "first", SortOrder: 1, IsActive: true},
	}, nil)

	e := newTestEngine(newTestSession("m1", RoleMerchant), b, &fakeTransport{})
	replies, err := e.QuickReplies(context.Background())
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "first", replies[0].Content)
	assert.Equal(t, "later", replies[1].Content)
}

func TestEngineObserverPanicIsContained(t *testing.T) {
	b := &mockBackend{}
	b.On("ListConversations", mock.Anything, mock.Anything).Return([]Conversation{{ID: 1}}, nil)

	e := newTestEngine(newTestSession("b1", RoleBuyer), b, &fakeTransport{})
	e.On(EventConversations, func(string, any) { panic("observer bug") })
	events := recordEvents(e, EventConversations)

	require.NoError(t, e.RefreshConversations(context.Background()))
	assert.Len(t, events.get(EventConversations), 1)
}
