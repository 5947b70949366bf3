// Package eventbus is the in-memory signal fanout between the engine, the
// dispatcher and the notification pipeline.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names a domain event.
type Type string

const (
	WorkflowCreated     Type = "workflow.created"
	WorkflowUpdated     Type = "workflow.updated"
	WorkflowActivated   Type = "workflow.activated"
	WorkflowDeactivated Type = "workflow.deactivated"
	WorkflowDeleted     Type = "workflow.deleted"
	ExecutionStarted    Type = "execution.started"
	ExecutionFinished   Type = "execution.finished"
	DispatchCycle       Type = "dispatch.cycle"
	ConfigReloaded      Type = "config.reloaded"
	NotifyQueued        Type = "notify.queued"
	NotifySent          Type = "notify.sent"
	NotifyFailed        Type = "notify.failed"
	NotifyDeduped       Type = "notify.deduped"
	NotifyDropped       Type = "notify.dropped"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable.
type Event struct {
	Type  Type
	Time  time.Time
	Owner string
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many events were discarded on full subscriber buffers.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
