package fakes

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"safeswap/lifecycle"
)

// Events collects committed lifecycle events.
type Events struct {
	mu     sync.Mutex
	events []lifecycle.Event
	Err    error
}

func (e *Events) Emit(ctx context.Context, tx pgx.Tx, ev lifecycle.Event) error {
	if e.Err != nil {
		return e.Err
	}
	afterCommit(tx, func() {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	})
	return nil
}

func (e *Events) All() []lifecycle.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]lifecycle.Event(nil), e.events...)
}

// Topics lists committed event topics in order.
func (e *Events) Topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Topic())
	}
	return out
}

func (e *Events) Count(topic string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Topic() == topic {
			n++
		}
	}
	return n
}
