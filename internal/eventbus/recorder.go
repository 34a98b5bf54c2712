package eventbus

import (
	"context"
	"sync"
)

const defaultRecorderCap = 256

// Recorder tails the bus into a bounded ring so diagnostics can show the
// most recent lifecycle events without holding history forever.
type Recorder struct {
	bus Bus
	cap int

	mu    sync.Mutex
	ring  []Event
	next  int
	count int
}

func NewRecorder(bus Bus, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCap
	}
	return &Recorder{bus: bus, cap: capacity}
}

// Run consumes the bus until ctx is canceled. It is shaped for a goroutine
// supervisor.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(r.cap)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-ch:
			r.record(e)
		}
	}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	if r.ring == nil {
		r.ring = make([]Event, r.cap)
	}
	r.ring[r.next] = e
	r.next = (r.next + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns the retained events, newest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.count)
	for i := 1; i <= r.count; i++ {
		out = append(out, r.ring[(r.next-i+r.cap)%r.cap])
	}
	return out
}
