// Package membus is an in-process core.MessageBus used by tests and
// simulator mode, fanning Publish calls out to every Subscribe handler
// registered on the same subject.
package membus

import (
	"context"
	"sync"

	"tradeengine/internal/core"
)

// Bus is a goroutine-safe, in-memory pub/sub fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]func(core.Message)
	closed   bool
}

// New returns an empty in-memory bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]func(core.Message))}
}

// Subscribe implements core.MessageBus.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(core.Message)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

// Publish implements core.MessageBus, invoking every matching handler
// asynchronously, each in its own goroutine, so a slow handler cannot block
// the publisher.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	handlers := append([]func(core.Message){}, b.handlers[subject]...)
	b.mu.RUnlock()

	msg := core.Message{Subject: subject, Data: data}
	for _, h := range handlers {
		h := h
		go h(msg)
	}
	return nil
}

// Close marks the bus closed; Publish/Subscribe remain safe to call but a
// real transport would refuse them.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ core.MessageBus = (*Bus)(nil)
