package chatsync

import "context"

// Backend is the request/response collaborator the engine reads from and
// writes to. *Client satisfies it through Client.Backend.
type Backend interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context, role Role) ([]User, error)

	ListConversations(ctx context.Context, scope ConversationScope) ([]Conversation, error)
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, page, pageSize int) (*Page[Message], error)

	CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error)
	MarkAllMessagesRead(ctx context.Context, conversationID int64, readerID string) error
	MarkConversationRead(ctx context.Context, conversationID int64, userID string) error

	ListQuickReplies(ctx context.Context, userID string) ([]QuickReply, error)
	Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error)
}

// Backend returns the client as the engine's Backend.
func (c *Client) Backend() Backend {
	return clientBackend{c: c}
}

type clientBackend struct{ c *Client }

func (b clientBackend) GetUser(ctx context.Context, userID string) (*User, error) {
	return b.c.Users.Get(ctx, userID)
}

func (b clientBackend) ListUsers(ctx context.Context, role Role) ([]User, error) {
	return b.c.Users.List(ctx, role)
}

func (b clientBackend) ListConversations(ctx context.Context, scope ConversationScope) ([]Conversation, error) {
	return b.c.Conversations.List(ctx, scope)
}

func (b clientBackend) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	return b.c.Conversations.Create(ctx, req)
}

func (b clientBackend) ListMessages(ctx context.Context, conversationID int64, page, pageSize int) (*Page[Message], error) {
	return b.c.Conversations.Messages(ctx, conversationID, page, pageSize)
}

func (b clientBackend) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	return b.c.Messages.Create(ctx, req)
}

func (b clientBackend) MarkAllMessagesRead(ctx context.Context, conversationID int64, readerID string) error {
	return b.c.Conversations.MarkAllMessagesRead(ctx, conversationID, readerID)
}

func (b clientBackend) MarkConversationRead(ctx context.Context, conversationID int64, userID string) error {
	return b.c.Conversations.MarkAsRead(ctx, conversationID, userID)
}

func (b clientBackend) ListQuickReplies(ctx context.Context, userID string) ([]QuickReply, error) {
	return b.c.QuickReplies.List(ctx, userID)
}

// Upload routes images to the image endpoint and everything else to the
// file endpoint.
func (b clientBackend) Upload(ctx context.Context, fileName string, data []byte) (*UploadResult, error) {
	if isImage(fileName) {
		return b.c.Uploads.Image(ctx, fileName, data)
	}
	return b.c.Uploads.File(ctx, fileName, data)
}
