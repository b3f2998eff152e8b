package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Observer events. Payloads are snapshots owned by the receiver.
const (
	// EventPresence carries *PresenceSet.
	EventPresence = "presence"
	// EventMessages carries []Message for the active conversation.
	EventMessages = "messages"
	// EventConversations carries []Conversation.
	EventConversations = "conversations"
	// EventConnection carries ConnState.
	EventConnection = "connection"
	// EventIdentity carries *User, nil once identity is cleared.
	EventIdentity = "identity"
)

// EventHandler observes engine state changes.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       zerolog.Logger
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Str("event", event).Interface("panic", r).Msg("observer panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
