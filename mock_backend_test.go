package chatsync

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) GetUser(ctx context.Context, userID string) (*User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*User)
	return u, args.Error(1)
}

func (m *mockBackend) ListUsers(ctx context.Context, role Role) ([]User, error) {
	args := m.Called(ctx, role)
	u, _ := args.Get(0).([]User)
	return u, args.Error(1)
}

func (m *mockBackend) ListConversations(ctx context.Context, scope ConversationScope) ([]Conversation, error) {
	args := m.Called(ctx, scope)
	c, _ := args.Get(0).([]Conversation)
	return c, args.Error(1)
}

func (m *mockBackend) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	args := m.Called(ctx, req)
	c, _ := args.Get(0).(*Conversation)
	return c, args.Error(1)
}

func (m *mockBackend) ListMessages(ctx context.Context, conversationID int64, page, pageSize int) (*Page[Message], error) {
	args := m.Called(ctx, conversationID, page, pageSize)
	p, _ := args.Get(0).(*Page[Message])
	return p, args.Error(1)
}

func (m *mockBackend) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	args := m.Called(ctx, req)
	msg, _ := args.Get(0).(*Message)
	return msg, args.Error(1)
}

func (m *mockBackend) MarkAllMessagesRead(ctx context.Context, conversationID int64, readerID string) error {
	return m.Called(ctx, conversationID, readerID).Error(0)
}

func (m *mockBackend) MarkConversationRead(ctx context.Context, conversationID int64, userID string) error {
	return m.Called(ctx, conversationID, userID).Error(0)
}

func (m *mockBackend) ListQuickReplies(ctx context.Context, userID string) ([]QuickReply, error) {
	args := m.Called(ctx, userID)
	q, _ := args.Get(0).([]QuickReply)
	return q, args.Error(1)
}

func (m *mockBackend) Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	args := m.Called(ctx, fileName, data)
	r, _ := args.Get(0).(*UploadResult)
	return r, args.Error(1)
}

// page builds a newest-first server page of text messages with the given ids.
func page(conversationID int64, total int, ids ...int64) *Page[Message] {
	p := &Page[Message]{Count: total}
	for _, id := range ids {
		p.Results = append(p.Results, Message{ID: id, ConversationID: conversationID, SenderID: "peer", Type: MessageText})
	}
	return p
}

func ids(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
