package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FrameSender writes outbound frames to the push channel.
type FrameSender interface {
	Send(ctx context.Context, v any) error
}

// SendPipeline sends messages optimistically. The temporary entry keeps its
// position whether the send is confirmed or fails; failed sends are never
// retried automatically.
type SendPipeline struct {
	backend Backend
	pager   *MessagePager
	push    FrameSender
	refresh func(context.Context)
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewSendPipeline wires the pipeline. refresh runs in its own goroutine after
// every confirmed send and may be nil.
func NewSendPipeline(backend Backend, pager *MessagePager, push FrameSender, refresh func(context.Context), log zerolog.Logger, metrics *Metrics) *SendPipeline {
	return &SendPipeline{
		backend: backend,
		pager:   pager,
		push:    push,
		refresh: refresh,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Send inserts a pending message, persists it, and swaps in the server copy.
// On failure the entry stays in place flagged failed and the error is
// returned.
func (s *SendPipeline) Send(ctx context.Context, conversationID int64, senderID, content string, typ MessageType) (*Message, error) {
	if typ == "" {
		typ = MessageText
	}
	localID := "local-" + uuid.NewString()
	s.pager.insertLocal(Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
		CreatedAt:      s.now().Unix(),
		LocalID:        localID,
		Pending:        true,
	})

	log := s.log.With().Int64("conversation_id", conversationID).Str("local_id", localID).Logger()

	msg, err := s.backend.CreateMessage(ctx, &CreateMessageRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           typ,
	})
	if err != nil {
		s.pager.failLocal(localID)
		s.metrics.incSend("failed")
		log.Err(err).Msg("failed to send message")
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.pager.confirmLocal(localID, *msg)
	s.metrics.incSend("confirmed")
	log.Debug().Int64("message_id", msg.ID).Msg("message confirmed")

	if s.push != nil {
		err := s.push.Send(ctx, &OutboundMessageFrame{
			Type:           FrameMessage,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			MessageType:    typ,
		})
		if err != nil {
			log.Debug().Err(err).Msg("push echo skipped")
		}
	}

	if s.refresh != nil {
		go s.refresh(context.WithoutCancel(ctx))
	}
	return msg, nil
}
