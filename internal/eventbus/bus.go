package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"runline/internal/domain"
)

const defaultBuffer = 1024

// Bus fans committed events out to subscribers. Publish is called by the
// event store after durable commit, so a delivered event always corresponds
// to a committed fact. Within a run, events arrive in sequence order because
// each run's machine loop is single-threaded.
//
// Subscribers are observers (metrics, webhooks, alerting); the core never
// depends on them for correctness. A slow subscriber is skipped with a
// warning rather than stalling appends, so in-process delivery is
// best-effort. Consumers that must see every event tail the store by
// cursor instead, as the webhook dispatcher does.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger zerolog.Logger
	closed bool
}

type subscription struct {
	name string
	ch   chan domain.Event
	done chan struct{}
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger.With().Str("component", "eventbus").Logger()}
}

// Subscribe registers a handler invoked for every published event, in publish
// order, on a dedicated goroutine.
func (b *Bus) Subscribe(name string, handler func(domain.Event)) {
	sub := &subscription{
		name: name,
		ch:   make(chan domain.Event, defaultBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		for evt := range sub.ch {
			handler(evt)
		}
	}()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish delivers evt to all subscribers. Never blocks the caller: a
// subscriber whose buffer is full misses the event and is logged.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn().
				Str("subscriber", sub.name).
				Str("run_id", evt.RunID).
				Int64("seq", evt.Seq).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close drains and stops all subscriber goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}
