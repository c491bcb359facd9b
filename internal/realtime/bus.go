package realtime

import (
	"context"
	"sync"
)

const (
	KindPersisted = "persisted"
	KindRelay     = "relay"
)

// Envelope is what travels over a Bus. Origin is the sending connection for
// relay envelopes; that connection is skipped on delivery.
type Envelope struct {
	Kind        string `json:"kind"`
	WorkspaceID string `json:"workspaceId"`
	Origin      string `json:"origin,omitempty"`
	Frame       Frame  `json:"frame"`
}

// Bus carries envelopes to every hub subscribed to it, including the
// publisher's own hub.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler func(Envelope)) error
	Close() error
}

// LocalBus delivers synchronously to handlers in the same process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[int]func(Envelope)
	next     int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Envelope))}
}

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	handlers := make([]func(Envelope), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(env)
	}
	return nil
}

// Subscribe registers handler until ctx is done or the bus is closed.
func (b *LocalBus) Subscribe(ctx context.Context, handler func(Envelope)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.handlers = make(map[int]func(Envelope))
	b.mu.Unlock()
	return nil
}
