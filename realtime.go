package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// DefaultReconnectDelay is the fixed wait before re-dialing a lost channel.
const DefaultReconnectDelay = 5 * time.Second

// ============================================================================
// Transport
// ============================================================================

// Channel is one open push connection.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Transport dials push channels. Tests inject an in-memory implementation.
type Transport interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// WebSocketTransport dials real websocket channels.
type WebSocketTransport struct {
	HTTPClient *http.Client
	Header     http.Header
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: t.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ChannelURL derives the push address for userID from a ws(s) or http(s)
// base URL.
func ChannelURL(base, userID string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws/" + userID
}

// ============================================================================
// Frame dispatch
// ============================================================================

// FrameHandlers receives decoded push frames. Nil fields are skipped.
// Handlers run on the read loop, one frame at a time, in arrival order.
type FrameHandlers struct {
	OnOnlineUsers func(OnlineUsersFrame)
	OnMessage     func(MessageFrame)
	OnRead        func(ReadFrame)
	OnStatus      func(StatusFrame)
	OnUnread      func(UnreadFrame)
}

func (h *FrameHandlers) dispatch(log zerolog.Logger, data []byte) (string, error) {
	var hdr frameHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", fmt.Errorf("decode frame header: %w", err)
	}

	switch hdr.Type {
	case FrameOnlineUsers:
		var w onlineUsersWire
		if err := json.Unmarshal(data, &w); err != nil {
			return hdr.Type, err
		}
		ids := make([]string, 0, len(w.Users))
		for _, id := range w.Users {
			ids = append(ids, string(id))
		}
		if h.OnOnlineUsers != nil {
			h.OnOnlineUsers(OnlineUsersFrame{Users: ids})
		}
	case FrameMessage:
		var w messageWire
		if err := json.Unmarshal(data, &w); err != nil {
			return hdr.Type, err
		}
		if h.OnMessage != nil {
			h.OnMessage(MessageFrame{
				ID:             w.ID,
				ConversationID: w.ConversationID,
				SenderID:       string(w.SenderID),
				Content:        w.Content,
				MessageType:    w.MessageType,
				Timestamp:      w.Timestamp,
			})
		}
	case FrameRead:
		var w readWire
		if err := json.Unmarshal(data, &w); err != nil {
			return hdr.Type, err
		}
		if h.OnRead != nil {
			h.OnRead(ReadFrame{ConversationID: w.ConversationID, ReaderID: string(w.ReaderID)})
		}
	case FrameStatus:
		var w statusWire
		if err := json.Unmarshal(data, &w); err != nil {
			return hdr.Type, err
		}
		if h.OnStatus != nil {
			h.OnStatus(StatusFrame{UserID: string(w.UserID), Status: w.Status})
		}
	case FrameUnread:
		var w unreadWire
		if err := json.Unmarshal(data, &w); err != nil {
			return hdr.Type, err
		}
		if h.OnUnread != nil {
			h.OnUnread(UnreadFrame{ConversationID: w.ConversationID, Count: w.Count})
		}
	default:
		log.Debug().Str("type", hdr.Type).Msg("ignoring unknown frame type")
	}
	return hdr.Type, nil
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnState is the push channel lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateClosing      ConnState = "closing"
)

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	BaseURL        string
	Transport      Transport
	ReconnectDelay time.Duration
	Handlers       FrameHandlers
	OnStateChange  func(ConnState)
	Logger         zerolog.Logger
	Metrics        *Metrics
}

func (c *ConnectionConfig) defaults() {
	if c.Transport == nil {
		c.Transport = &WebSocketTransport{}
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// ConnectionManager owns the single push channel of a session. Every
// closure that was not requested through Disconnect schedules exactly one
// reconnect after a fixed delay; the retry is unconditional.
type ConnectionManager struct {
	cfg ConnectionConfig
	log zerolog.Logger

	// notifyMu serializes OnStateChange delivery so observers see
	// transitions in order.
	notifyMu sync.Mutex
	pending  []ConnState

	mu         sync.Mutex
	state      ConnState
	userID     string
	ch         Channel
	gen        uint64
	suppressed bool
	timer      *time.Timer
	timerSeq   uint64 // bumped whenever timer is armed or stopped
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewConnectionManager(cfg ConnectionConfig) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "connection").Logger(),
		state: StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel for userID. It is a no-op when a channel for
// the same user is already open or opening. A failed dial is treated as a
// closure: the error is returned and a reconnect is scheduled.
func (m *ConnectionManager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.userID == userID && !m.suppressed && (m.state == StateConnected || m.state == StateConnecting || m.timer != nil) {
		m.mu.Unlock()
		return nil
	}
	m.resetLocked()
	m.userID = userID
	m.suppressed = false
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	return m.dial(ctx)
}

// Disconnect closes the channel and cancels any pending reconnect. Safe to
// call more than once.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.suppressed && m.ch == nil && m.timer == nil {
		m.mu.Unlock()
		return nil
	}
	m.suppressed = true
	ch := m.ch
	m.resetLocked()
	if ch != nil {
		m.setStateLocked(StateClosing)
	}
	m.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.flushStates()
	m.log.Info().Msg("push channel disconnected")
	return err
}

// Send marshals v and writes it to the open channel.
func (m *ConnectionManager) Send(ctx context.Context, v any) error {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return ch.Write(ctx, data)
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.suppressed {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	url := ChannelURL(m.cfg.BaseURL, m.userID)
	runCtx := m.ctx
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.flushStates()

	log := m.log.With().Str("url", url).Logger()
	log.Debug().Msg("dialing push channel")

	dialCtx, cancel := mergeCancel(ctx, runCtx)
	ch, err := m.cfg.Transport.Dial(dialCtx, url)
	cancel()
	if err != nil {
		log.Err(err).Msg("push channel dial failed")
		m.closed(gen)
		return err
	}

	m.mu.Lock()
	if m.suppressed || gen != m.gen {
		m.mu.Unlock()
		ch.Close()
		return nil
	}
	m.ch = ch
	m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.flushStates()

	log.Info().Msg("push channel connected")
	go m.readLoop(runCtx, gen, ch)
	return nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen uint64, ch Channel) {
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("push channel read failed")
			}
			m.closed(gen)
			return
		}

		frameType, err := m.handle(data)
		if err != nil {
			m.log.Debug().Err(err).Str("type", frameType).Msg("dropping undecodable frame")
			continue
		}
		m.cfg.Metrics.incPushFrame(frameType)
	}
}

func (m *ConnectionManager) handle(data []byte) (frameType string, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("type", frameType).Msg("frame handler panicked")
			err = nil
		}
	}()
	return m.cfg.Handlers.dispatch(m.log, data)
}

// closed moves to Disconnected and, unless suppressed, schedules one
// reconnect. Stale generations are ignored so a channel replaced by a
// newer dial cannot schedule a second timer.
func (m *ConnectionManager) closed(gen uint64) {
	defer m.flushStates()
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.ch = nil
	m.setStateLocked(StateDisconnected)
	if m.suppressed || m.timer != nil {
		return
	}

	delay := m.cfg.ReconnectDelay
	m.cfg.Metrics.incReconnect()
	m.log.Info().Dur("delay", delay).Msg("scheduling reconnect")

	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() { m.reconnect(seq) })
}

func (m *ConnectionManager) reconnect(seq uint64) {
	m.mu.Lock()
	if m.suppressed || m.timer == nil || seq != m.timerSeq {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.log.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// resetLocked stops the timer and tears down the current channel context.
func (m *ConnectionManager) resetLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.ch != nil && !m.suppressed {
		go m.ch.Close()
	}
	m.ch = nil
	m.gen++
}

func (m *ConnectionManager) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	m.cfg.Metrics.setConnState(s)
	if m.cfg.OnStateChange != nil {
		m.pending = append(m.pending, s)
	}
}

// flushStates delivers queued transitions. Called without m.mu held.
func (m *ConnectionManager) flushStates() {
	if m.cfg.OnStateChange == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		s := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.cfg.OnStateChange(s)
	}
}

// mergeCancel returns a context that ends when either parent ends.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
