package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultPageSize = 50

// MessagePager owns the ordered message list of the active conversation.
// History pages arrive newest-first and are merged oldest-first: page 1
// replaces the list, later pages are prepended. Pushed and optimistic
// messages are appended at the tail.
type MessagePager struct {
	backend  Backend
	pageSize int
	log      zerolog.Logger
	metrics  *Metrics
	onChange func([]Message)

	mu        sync.Mutex
	active    int64
	epoch     uint64
	messages  []Message
	page      int
	total     int
	loading   map[int64]uint64
	synthetic int64
}

func NewMessagePager(backend Backend, pageSize int, log zerolog.Logger, metrics *Metrics, onChange func([]Message)) *MessagePager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessagePager{
		backend:  backend,
		pageSize: pageSize,
		log:      log,
		metrics:  metrics,
		onChange: onChange,
		total:    -1,
		loading:  make(map[int64]uint64),
	}
}

// Select makes conversationID active, resets the cursor and loads page 1.
// Re-selecting the active conversation keeps its unresolved sends.
func (p *MessagePager) Select(ctx context.Context, conversationID int64) error {
	p.mu.Lock()
	var keep []Message
	if conversationID == p.active {
		keep = p.unresolvedLocked()
	}
	p.active = conversationID
	p.epoch++
	p.messages = keep
	p.page = 0
	p.total = -1
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return p.LoadPage(ctx, conversationID, 1)
}

// Clear drops the active conversation. Responses still in flight are
// discarded when they arrive.
func (p *MessagePager) Clear() {
	p.mu.Lock()
	p.active = 0
	p.epoch++
	p.messages = nil
	p.page = 0
	p.total = -1
	p.mu.Unlock()
	p.notify(nil)
}

// LoadPage fetches one page of history. It returns nil without fetching
// when a load for the same conversation is already in flight, and discards
// the response if the active conversation changed meanwhile.
func (p *MessagePager) LoadPage(ctx context.Context, conversationID int64, page int) error {
	log := p.log.With().Int64("conversation_id", conversationID).Int("page", page).Logger()

	p.mu.Lock()
	if e, ok := p.loading[conversationID]; ok && e == p.epoch {
		p.mu.Unlock()
		p.metrics.incPageLoad("skipped")
		log.Debug().Msg("page load already in flight")
		return nil
	}
	epoch := p.epoch
	p.loading[conversationID] = epoch
	p.mu.Unlock()

	start := time.Now()
	res, err := p.backend.ListMessages(ctx, conversationID, page, p.pageSize)
	p.metrics.observePageLoad(start)

	p.mu.Lock()
	if e, ok := p.loading[conversationID]; ok && e == epoch {
		delete(p.loading, conversationID)
	}
	if err != nil {
		p.mu.Unlock()
		p.metrics.incPageLoad("error")
		log.Err(err).Msg("failed to load messages")
		return fmt.Errorf("load page %d of conversation %d: %w", page, conversationID, err)
	}
	if conversationID != p.active || epoch != p.epoch {
		p.mu.Unlock()
		p.metrics.incPageLoad("stale")
		log.Debug().Int64("active", p.activeID()).Msg("discarding stale page")
		return nil
	}

	older := reversed(res.Results)
	if page == 1 {
		p.messages = append(older, p.unresolvedLocked()...)
	} else {
		p.messages = append(p.withoutHeldLocked(older), p.messages...)
	}
	p.page = page
	p.total = res.Count
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.metrics.incPageLoad("merged")
	log.Debug().Int("received", len(res.Results)).Int("total", res.Count).Msg("page merged")
	p.notify(snap)
	return nil
}

// LoadMore fetches the next older page when the server holds more messages
// than are currently displayed.
func (p *MessagePager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	conv := p.active
	next := p.page + 1
	more := p.page > 0 && p.total > len(p.messages)
	p.mu.Unlock()

	if conv == 0 || !more {
		return nil
	}
	return p.LoadPage(ctx, conv, next)
}

// HasMore reports whether older history remains on the server.
func (p *MessagePager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page > 0 && p.total > len(p.messages)
}

// Loading reports whether a page load for the active conversation is in flight.
func (p *MessagePager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.loading[p.active]
	return ok && e == p.epoch
}

// Active returns the active conversation id, 0 when none.
func (p *MessagePager) Active() int64 {
	return p.activeID()
}

// Messages returns a copy of the displayed list, oldest first.
func (p *MessagePager) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// AppendPushed appends a pushed message when it belongs to the active
// conversation. Messages without a server id get a negative synthesized
// one so they never collide with server ids. Returns false when ignored.
func (p *MessagePager) AppendPushed(msg Message) bool {
	p.mu.Lock()
	if msg.ConversationID == 0 || msg.ConversationID != p.active {
		p.mu.Unlock()
		return false
	}
	if msg.ID > 0 && p.indexOfIDLocked(msg.ID) >= 0 {
		p.mu.Unlock()
		return false
	}
	if msg.ID == 0 {
		msg.ID = p.syntheticIDLocked()
	}
	p.messages = append(p.messages, msg)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return true
}

func (p *MessagePager) insertLocal(msg Message) bool {
	p.mu.Lock()
	if msg.ConversationID != p.active {
		p.mu.Unlock()
		return false
	}
	p.messages = append(p.messages, msg)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return true
}

// confirmLocal replaces the temporary entry in place with the server copy.
// A copy of the same server message that arrived earlier is dropped so the
// optimistic slot keeps its position.
func (p *MessagePager) confirmLocal(localID string, confirmed Message) bool {
	p.mu.Lock()
	i := p.indexOfLocalLocked(localID)
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	confirmed.LocalID = ""
	confirmed.Pending = false
	confirmed.Failed = false
	p.messages[i] = confirmed
	if confirmed.ID > 0 {
		for j := range p.messages {
			if j != i && p.messages[j].ID == confirmed.ID {
				p.messages = append(p.messages[:j], p.messages[j+1:]...)
				break
			}
		}
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return true
}

func (p *MessagePager) failLocal(localID string) bool {
	p.mu.Lock()
	i := p.indexOfLocalLocked(localID)
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	p.messages[i].Pending = false
	p.messages[i].Failed = true
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.notify(snap)
	return true
}

// markReadBy flags every held message not authored by readerID as read.
func (p *MessagePager) markReadBy(conversationID int64, readerID string) bool {
	return p.flagRead(conversationID, func(m *Message) bool { return m.SenderID != readerID })
}

// markAuthoredRead flags every held message authored by authorID as read.
func (p *MessagePager) markAuthoredRead(conversationID int64, authorID string) bool {
	return p.flagRead(conversationID, func(m *Message) bool { return m.SenderID == authorID })
}

func (p *MessagePager) flagRead(conversationID int64, match func(*Message) bool) bool {
	p.mu.Lock()
	if conversationID != p.active {
		p.mu.Unlock()
		return false
	}
	changed := false
	for i := range p.messages {
		m := &p.messages[i]
		if !m.IsRead && match(m) {
			m.IsRead = true
			changed = true
		}
	}
	var snap []Message
	if changed {
		snap = p.snapshotLocked()
	}
	p.mu.Unlock()

	if changed {
		p.notify(snap)
	}
	return changed
}

func (p *MessagePager) activeID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *MessagePager) indexOfLocalLocked(localID string) int {
	for i := range p.messages {
		if p.messages[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (p *MessagePager) indexOfIDLocked(id int64) int {
	for i := range p.messages {
		if p.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// unresolvedLocked returns optimistic entries that have no server identity
// yet. They survive a page 1 replace.
func (p *MessagePager) unresolvedLocked() []Message {
	var out []Message
	for _, m := range p.messages {
		if m.Pending || m.Failed {
			out = append(out, m)
		}
	}
	return out
}

// withoutHeldLocked drops page entries whose server id is already held.
// Pages shift when new messages arrive between loads.
func (p *MessagePager) withoutHeldLocked(page []Message) []Message {
	out := page[:0]
	for _, m := range page {
		if m.ID > 0 && p.indexOfIDLocked(m.ID) >= 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (p *MessagePager) syntheticIDLocked() int64 {
	id := -time.Now().UnixNano()
	if p.synthetic != 0 && id >= p.synthetic {
		id = p.synthetic - 1
	}
	p.synthetic = id
	return id
}

func (p *MessagePager) snapshotLocked() []Message {
	if p.messages == nil {
		return nil
	}
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *MessagePager) notify(snap []Message) {
	if p.onChange != nil {
		p.onChange(snap)
	}
}

func reversed(page []Message) []Message {
	out := make([]Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
