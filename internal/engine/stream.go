package engine

import (
	"context"
	"sync"
	"time"

	"aipilot/internal/domain"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamBuffer       = 64
	streamBatch        = 256
)

// Broker fans out new audit events to subscribers. One poll loop reads
// the event log; there is never more than one refresh in flight. Slow
// subscribers drop events instead of stalling the loop.
type Broker struct {
	engine *Engine

	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.Event
}

func NewBroker(e *Engine) *Broker {
	return &Broker{engine: e, subs: make(map[int]chan domain.Event)}
}

// Run polls the event log until ctx is canceled. Call from a dedicated
// goroutine.
func (b *Broker) Run(ctx context.Context) error {
	cursor, err := b.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return ctx.Err()
		case <-ticker.C:
		}
		if !b.hasSubscribers() {
			continue
		}
		batch, err := b.engine.Repo.EventsAfter(ctx, streamBatch, cursor)
		if err != nil {
			b.engine.Log.Warn().Err(err).Msg("event stream refresh failed")
			continue
		}
		for _, evt := range batch {
			cursor = evt.ID
			b.publish(evt)
		}
	}
}

// Subscribe registers a consumer. The channel closes when ctx is
// canceled or the broker stops.
func (b *Broker) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, streamBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}()
	return ch
}

func (b *Broker) hasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

func (b *Broker) publish(evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; it can catch up from
			// the persisted log via its cursor.
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
