package transport

import (
	"context"
	"sync"

	"github.com/pdsno/pdsno/pkg/envelope"
)

// Bus is the in-process fabric used for tests and single-process runs.
// Dispatch is synchronous; a per-pair mutex gives FIFO ordering for each
// sender/recipient pair without serializing unrelated traffic.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	subs      []*busSubscription
	pairLocks sync.Map // "sender->recipient" -> *sync.Mutex
}

type busSubscription struct {
	pattern string
	handler SubHandler
	active  bool
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Register installs the dispatch function for a controller ID.
func (b *Bus) Register(controllerID string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[controllerID] = h
}

// Deregister removes a controller from the bus.
func (b *Bus) Deregister(controllerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, controllerID)
}

// Send dispatches the envelope to its recipient's handler synchronously.
func (b *Bus) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	b.mu.RLock()
	h, ok := b.handlers[env.RecipientID]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownRecipient
	}

	lockAny, _ := b.pairLocks.LoadOrStore(env.SenderID+"->"+env.RecipientID, &sync.Mutex{})
	pairLock := lockAny.(*sync.Mutex)
	pairLock.Lock()
	defer pairLock.Unlock()

	return h(ctx, env)
}

// Publish delivers the envelope synchronously to every matching
// subscription.
func (b *Bus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	b.mu.RLock()
	subs := make([]*busSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.active && TopicMatch(s.pattern, topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ctx, topic, env)
	}
	return nil
}

// Subscribe registers a handler for a topic pattern and returns the
// unsubscribe function.
func (b *Bus) Subscribe(_ context.Context, pattern string, h SubHandler) (func(), error) {
	sub := &busSubscription{pattern: pattern, handler: h, active: true}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		sub.active = false
		b.mu.Unlock()
	}, nil
}
