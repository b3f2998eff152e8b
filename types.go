package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound matches any *APIError carrying a 404 status.
	ErrNotFound = errors.New("chatsync: not found")
	// ErrNotConnected is returned when a frame is sent without an open push channel.
	ErrNotConnected = errors.New("chatsync: push channel not connected")
	// ErrReadOnly is returned when the current role may not perform writes.
	ErrReadOnly = errors.New("chatsync: role is read-only")
	// ErrNoActiveConversation is returned by operations that need a selected conversation.
	ErrNoActiveConversation = errors.New("chatsync: no active conversation")
	// ErrUnknownConversation is returned when a conversation is not in the index.
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
	// ErrAccessDenied is returned when the current user cannot be resolved.
	ErrAccessDenied = errors.New("chatsync: access denied")
)

// APIError represents a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Method     string `json:"-"`
	Path       string `json:"-"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// Is reports 404 responses as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// ============================================================================
// Users
// ============================================================================

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Avatar      string `json:"avatar,omitempty"`
	Role        Role   `json:"role"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

func (u *User) UnmarshalJSON(data []byte) error {
	type alias User
	var w struct {
		alias
		ID flexID `json:"id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*u = User(w.alias)
	u.ID = string(w.ID)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a channel between exactly two participants. The pair is
// symmetric: unread counters are looked up by participant id, never by role.
type Conversation struct {
	ID                 int64  `json:"id"`
	Participant1ID     string `json:"participant1_id"`
	Participant2ID     string `json:"participant2_id"`
	Participant1Unread int    `json:"participant1_unread"`
	Participant2Unread int    `json:"participant2_unread"`
	LastMessage        string `json:"last_message,omitempty"`
	LastMessageTime    int64  `json:"last_message_time,omitempty"`
	CreatedAt          int64  `json:"created_at,omitempty"`
	UpdatedAt          int64  `json:"updated_at,omitempty"`
	Participant1       *User  `json:"participant1,omitempty"`
	Participant2       *User  `json:"participant2,omitempty"`
}

// UnmarshalJSON accepts the symmetric participant form and falls back to
// the legacy customer/merchant form, mapping customer to participant 1.
func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	var w struct {
		alias
		Participant1ID     flexID `json:"participant1_id"`
		Participant2ID     flexID `json:"participant2_id"`
		Participant1Unread *int   `json:"participant1_unread"`
		Participant2Unread *int   `json:"participant2_unread"`

		CustomerID     flexID `json:"customer_id"`
		MerchantID     flexID `json:"merchant_id"`
		CustomerUnread int    `json:"customer_unread_count"`
		MerchantUnread int    `json:"merchant_unread_count"`
		Customer       *User  `json:"customer"`
		Merchant       *User  `json:"merchant"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Conversation(w.alias)

	if w.Participant1ID != "" || w.Participant2ID != "" {
		c.Participant1ID = string(w.Participant1ID)
		c.Participant2ID = string(w.Participant2ID)
		if w.Participant1Unread != nil {
			c.Participant1Unread = *w.Participant1Unread
		}
		if w.Participant2Unread != nil {
			c.Participant2Unread = *w.Participant2Unread
		}
		return nil
	}

	c.Participant1ID = string(w.CustomerID)
	c.Participant2ID = string(w.MerchantID)
	c.Participant1Unread = w.CustomerUnread
	c.Participant2Unread = w.MerchantUnread
	if c.Participant1 == nil {
		c.Participant1 = w.Customer
	}
	if c.Participant2 == nil {
		c.Participant2 = w.Merchant
	}
	return nil
}

// Involves reports whether userID is one of the two participants.
func (c *Conversation) Involves(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// PeerOf returns the participant that is not self. For a viewer outside the
// pair (admin) it returns participant 2.
func (c *Conversation) PeerOf(self string) string {
	if c.Participant2ID == self {
		return c.Participant1ID
	}
	return c.Participant2ID
}

// PeerUser returns the embedded user record for the peer of self, if present.
func (c *Conversation) PeerUser(self string) *User {
	if c.Participant2ID == self {
		return c.Participant1
	}
	return c.Participant2
}

// UnreadFor returns the unread counter on userID's side, or 0 when userID
// is not a participant.
func (c *Conversation) UnreadFor(userID string) int {
	switch userID {
	case "":
		return 0
	case c.Participant1ID:
		return c.Participant1Unread
	case c.Participant2ID:
		return c.Participant2Unread
	}
	return 0
}

func (c *Conversation) zeroUnreadFor(userID string) {
	switch userID {
	case c.Participant1ID:
		c.Participant1Unread = 0
	case c.Participant2ID:
		c.Participant2Unread = 0
	}
}

// ============================================================================
// Messages
// ============================================================================

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Message is one entry in a conversation. ID is the server identifier once
// persisted. Before that the message is addressed by LocalID.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
	IsRead         bool        `json:"is_read"`
	CreatedAt      int64       `json:"created_at"`
	Sender         *User       `json:"sender,omitempty"`

	LocalID string `json:"-"`
	Pending bool   `json:"-"`
	Failed  bool   `json:"-"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var w struct {
		alias
		SenderID flexID `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.alias)
	m.SenderID = string(w.SenderID)
	return nil
}

// CreateMessageRequest is the body of POST /messages/.
type CreateMessageRequest struct {
	ConversationID int64       `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"message_type"`
}

// ============================================================================
// Quick replies & uploads
// ============================================================================

type QuickReply struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	SortOrder int    `json:"sort_order"`
	IsActive  bool   `json:"is_active"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

type QuickReplyInput struct {
	UserID    string `json:"user_id,omitempty"`
	Content   string `json:"content,omitempty"`
	SortOrder *int   `json:"sort_order,omitempty"`
	IsActive  *bool  `json:"is_active,omitempty"`
}

type UploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
}

// Page is the paginated envelope returned by list endpoints.
type Page[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

// ============================================================================
// Push frames
// ============================================================================

const (
	FrameOnlineUsers = "online_users"
	FrameMessage     = "message"
	FrameRead        = "read"
	FrameStatus      = "status"
	FrameUnread      = "unread"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// OnlineUsersFrame is the presence snapshot sent once after connect.
type OnlineUsersFrame struct {
	Users []string
}

// MessageFrame is a message pushed by the server. ID is zero when the
// server does not include one.
type MessageFrame struct {
	ID             int64
	ConversationID int64
	SenderID       string
	Content        string
	MessageType    MessageType
	Timestamp      int64
}

type ReadFrame struct {
	ConversationID int64
	ReaderID       string
}

type StatusFrame struct {
	UserID string
	Status PresenceStatus
}

type UnreadFrame struct {
	ConversationID int64
	Count          int
}

// OutboundMessageFrame is mirrored onto the push channel after a send is
// confirmed.
type OutboundMessageFrame struct {
	Type           string      `json:"type"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
}

type frameHeader struct {
	Type string `json:"type"`
}

type onlineUsersWire struct {
	Users []flexID `json:"users"`
}

type messageWire struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       flexID      `json:"sender_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	Timestamp      int64       `json:"timestamp"`
}

type readWire struct {
	ConversationID int64  `json:"conversation_id"`
	ReaderID       flexID `json:"reader_id"`
}

type statusWire struct {
	UserID flexID         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

type unreadWire struct {
	ConversationID int64 `json:"conversation_id"`
	Count          int   `json:"count"`
}

// flexID decodes an identifier sent either as a JSON string or a number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("invalid identifier %s", s)
	}
	*f = flexID(s)
	return nil
}
