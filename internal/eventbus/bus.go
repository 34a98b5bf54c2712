// Package eventbus fans execution lifecycle events out to in-process
// observers. The engine and the process supervisor publish here; the
// diagnostics recorder tails it. Publishing never blocks an execution:
// a slow observer loses events, it does not slow the engine.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle signal. Data is a small JSON-serializable map
// (task_id, execution_id, exit_code).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish delivers to every subscriber whose buffer has room and
	// drops for the rest. It never blocks.
	Publish(e Event)

	// Subscribe returns a buffered channel and its unsubscribe func.
	// Unsubscribe closes the channel; it is safe to call twice.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &fanoutBus{subs: map[uint64]chan Event{}}
}

type fanoutBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanoutBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may have closed the channel between
		// the snapshot and the send; the recover absorbs that race.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanoutBus) Subscribe(buffer int) (<-chan Event, func()) {
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
			close(ch)
		})
	}
	return ch, unsub
}
