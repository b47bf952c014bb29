package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler processes one event. Handlers should be idempotent: the bus
// redelivers nothing, but upstream producers may.
type Handler func(Event)

// Bus dispatches domain events to registered handlers with a per-chat
// ordering guarantee: events published for the same chat are handled
// strictly in publication order, while distinct chats proceed
// concurrently. This is the hand-off fabric between the ingestion
// pipeline, the bot flow engine and the assignment queue.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	allHandlers []Handler

	qmu    sync.Mutex
	queues map[uint]chan Event
	wg     sync.WaitGroup
	closed bool

	queueSize int
}

// NewBus creates an event bus. queueSize bounds each per-chat queue;
// publication blocks when a chat's queue is full rather than dropping.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		handlers:  make(map[Type][]Handler),
		queues:    make(map[uint]chan Event),
		queueSize: queueSize,
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event (used for
// external mirroring, e.g. the RabbitMQ publisher).
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish enqueues an event on its chat's ordered queue, creating the
// queue worker on first use.
func (b *Bus) Publish(evt Event) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		log.Warn().Str("type", string(evt.Type)).Uint("chatID", evt.ChatID).
			Msg("Event published after bus close, dropped")
		return
	}
	q, ok := b.queues[evt.ChatID]
	if !ok {
		q = make(chan Event, b.queueSize)
		b.queues[evt.ChatID] = q
		b.wg.Add(1)
		go b.runChatQueue(evt.ChatID, q)
	}
	b.qmu.Unlock()

	q <- evt
}

// runChatQueue drains one chat's queue, invoking handlers synchronously
// so that a ChatCreated is fully applied before the MessageCreated that
// follows it.
func (b *Bus) runChatQueue(chatID uint, q chan Event) {
	defer b.wg.Done()
	for evt := range q {
		b.dispatch(evt)
	}
	log.Debug().Uint("chatID", chatID).Msg("Chat event queue drained")
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	typed := b.handlers[evt.Type]
	all := b.allHandlers
	b.mu.RUnlock()

	for _, handler := range typed {
		b.safeInvoke(handler, evt)
	}
	for _, handler := range all {
		b.safeInvoke(handler, evt)
	}
}

// safeInvoke isolates handler panics so a faulty consumer cannot stall
// every other event on the chat's queue.
func (b *Bus) safeInvoke(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("type", string(evt.Type)).
				Uint("chatID", evt.ChatID).
				Msg("Event handler panicked")
		}
	}()
	handler(evt)
}

// Close stops accepting events, drains every queue and waits for in-flight
// handlers to finish.
func (b *Bus) Close() {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.qmu.Unlock()

	b.wg.Wait()
}

// QueueDepth returns the number of undispatched events for a chat
// (diagnostics).
func (b *Bus) QueueDepth(chatID uint) int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	if q, ok := b.queues[chatID]; ok {
		return len(q)
	}
	return 0
}
