package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultConversationPageSize bounds a conversation list refresh.
const DefaultConversationPageSize = 100

// ConversationIndex holds the conversation list visible to the session.
// Refresh replaces it wholesale.
type ConversationIndex struct {
	backend  Backend
	session  *Session
	pageSize int
	log      zerolog.Logger
	onChange func([]Conversation)

	mu    sync.RWMutex
	convs []Conversation
}

func NewConversationIndex(backend Backend, session *Session, pageSize int, log zerolog.Logger, onChange func([]Conversation)) *ConversationIndex {
	if pageSize <= 0 {
		pageSize = DefaultConversationPageSize
	}
	return &ConversationIndex{
		backend:  backend,
		session:  session,
		pageSize: pageSize,
		log:      log,
		onChange: onChange,
	}
}

// Refresh fetches the list scoped to the session user, or every
// conversation for an admin.
func (x *ConversationIndex) Refresh(ctx context.Context) error {
	scope := ConversationScope{PageSize: x.pageSize}
	if role := x.session.Role(); role.ScopedListing() || role == "" {
		scope.ParticipantID = x.session.UserID()
		scope.Role = role
	}

	convs, err := x.backend.ListConversations(ctx, scope)
	if err != nil {
		x.log.Err(err).Msg("failed to refresh conversations")
		return fmt.Errorf("refresh conversations: %w", err)
	}

	x.mu.Lock()
	x.convs = convs
	snap := x.snapshotLocked()
	x.mu.Unlock()

	x.log.Debug().Int("count", len(convs)).Msg("conversations refreshed")
	x.notify(snap)
	return nil
}

// List returns a copy of the held conversations.
func (x *ConversationIndex) List() []Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked()
}

func (x *ConversationIndex) Get(id int64) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.convs {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// findPair returns the held conversation between a and b in either order.
func (x *ConversationIndex) findPair(a, b string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, c := range x.convs {
		if c.Involves(a) && c.Involves(b) {
			return c, true
		}
	}
	return Conversation{}, false
}

// UnreadTotal sums the session user's side of every held conversation.
func (x *ConversationIndex) UnreadTotal() int {
	self := x.session.UserID()
	x.mu.RLock()
	defer x.mu.RUnlock()
	total := 0
	for i := range x.convs {
		total += x.convs[i].UnreadFor(self)
	}
	return total
}

// Ensure returns the conversation between the session user and peerID,
// creating it if needed. A created conversation is re-resolved from the
// refreshed list so callers get the list's copy.
func (x *ConversationIndex) Ensure(ctx context.Context, peerID string) (*Conversation, error) {
	role := x.session.Role()
	if !role.CanWrite() {
		return nil, ErrReadOnly
	}
	self := x.session.UserID()
	if peerID == "" || peerID == self {
		return nil, fmt.Errorf("ensure conversation: invalid peer %q", peerID)
	}
	if c, ok := x.findPair(self, peerID); ok {
		return &c, nil
	}

	created, err := x.backend.CreateConversation(ctx, NewCreateConversationRequest(self, role, peerID))
	if err != nil {
		x.log.Err(err).Str("peer_id", peerID).Msg("failed to create conversation")
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if err := x.Refresh(ctx); err != nil {
		x.log.Warn().Err(err).Int64("conversation_id", created.ID).Msg("using creation response after failed refresh")
		return created, nil
	}
	if c, ok := x.Get(created.ID); ok {
		return &c, nil
	}
	return created, nil
}

// zeroUnread clears userID's counter on one conversation.
func (x *ConversationIndex) zeroUnread(conversationID int64, userID string) bool {
	x.mu.Lock()
	changed := false
	for i := range x.convs {
		c := &x.convs[i]
		if c.ID == conversationID && c.UnreadFor(userID) != 0 {
			c.zeroUnreadFor(userID)
			changed = true
		}
	}
	var snap []Conversation
	if changed {
		snap = x.snapshotLocked()
	}
	x.mu.Unlock()

	if changed {
		x.notify(snap)
	}
	return changed
}

func (x *ConversationIndex) snapshotLocked() []Conversation {
	out := make([]Conversation, len(x.convs))
	copy(out, x.convs)
	return out
}

func (x *ConversationIndex) notify(snap []Conversation) {
	if x.onChange != nil {
		x.onChange(snap)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
