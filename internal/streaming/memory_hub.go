package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// MemoryHub fans execution events out to in-process subscribers over
// buffered channels. Publish never blocks: a full subscriber loses progress
// events, but a terminal event evicts the oldest buffered event so streams
// always see their final state.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
}

type subscription struct {
	ch     chan ExecutionEvent
	filter EventFilter
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event ExecutionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter.Matches(event) {
			h.deliver(sub, event)
		}
	}
	return nil
}

func (h *MemoryHub) deliver(sub *subscription, event ExecutionEvent) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	if event.Terminal() {
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	h.dropped.Add(1)
}

// Subscribe registers a filtered subscription. The returned cancel closes
// the channel and may be called more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	id := h.nextID.Add(1)
	sub := &subscription{ch: make(chan ExecutionEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events a slow subscriber never received.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

var _ EventHub = (*MemoryHub)(nil)
