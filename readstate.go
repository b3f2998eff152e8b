package chatsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ReadStateReconciler applies read marks locally first, then confirms them
// with the backend. Confirmation failures are not rolled back; the next
// conversation refresh brings the counters back in line.
type ReadStateReconciler struct {
	backend Backend
	pager   *MessagePager
	index   *ConversationIndex
	log     zerolog.Logger
	metrics *Metrics
}

func NewReadStateReconciler(backend Backend, pager *MessagePager, index *ConversationIndex, log zerolog.Logger, metrics *Metrics) *ReadStateReconciler {
	return &ReadStateReconciler{backend: backend, pager: pager, index: index, log: log, metrics: metrics}
}

// MarkConversationRead flags the held peer messages read and zeroes the
// reader's counter, then issues mark-all-messages-read followed by
// mark-conversation-read. The second call is skipped if the first fails.
func (r *ReadStateReconciler) MarkConversationRead(ctx context.Context, conversationID int64, readerID string) error {
	r.pager.markReadBy(conversationID, readerID)
	r.index.zeroUnread(conversationID, readerID)

	log := r.log.With().Int64("conversation_id", conversationID).Str("reader_id", readerID).Logger()
	if err := r.backend.MarkAllMessagesRead(ctx, conversationID, readerID); err != nil {
		r.metrics.incReadMark("failed")
		log.Err(err).Msg("failed to confirm messages read")
		return fmt.Errorf("mark messages read: %w", err)
	}
	if err := r.backend.MarkConversationRead(ctx, conversationID, readerID); err != nil {
		r.metrics.incReadMark("failed")
		log.Err(err).Msg("failed to confirm conversation read")
		return fmt.Errorf("mark conversation read: %w", err)
	}
	r.metrics.incReadMark("confirmed")
	return nil
}

// ShouldAutoMark reports whether selecting conv marks it read for self.
// Viewers outside the pair have no counter and never mark.
func (r *ReadStateReconciler) ShouldAutoMark(role Role, conv *Conversation, self string) bool {
	return role.CanAutoMarkRead() && conv.UnreadFor(self) > 0
}

// ApplyPeerRead handles a read receipt: self's own messages in the active
// conversation become read. No backend call is made.
func (r *ReadStateReconciler) ApplyPeerRead(frame ReadFrame, self string) bool {
	return r.pager.markAuthoredRead(frame.ConversationID, self)
}
