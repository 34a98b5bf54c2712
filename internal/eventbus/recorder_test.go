package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestRecorderTailsBus(t *testing.T) {
	t.Parallel()

	bus := New()
	rec := NewRecorder(bus, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rec.Run(ctx)
	}()

	types := []string{"a", "b", "c", "d", "e", "f"}
	for _, typ := range types {
		bus.Publish(Event{Type: typ})
	}

	// The recorder drains asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Recent()) < 4 || rec.Recent()[0].Type != "f" {
		if time.Now().After(deadline) {
			t.Fatalf("recorder never caught up: %+v", rec.Recent())
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := rec.Recent()
	want := []string{"f", "e", "d", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("Recent()[%d].Type = %q, want %q", i, got[i].Type, typ)
		}
		if got[i].Time.IsZero() {
			t.Errorf("Recent()[%d] has no timestamp", i)
		}
	}

	cancel()
	<-done
}

func TestRecorderEmptyBeforeAnyEvent(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(New(), 0)
	if got := rec.Recent(); len(got) != 0 {
		t.Fatalf("Recent() = %+v, want empty", got)
	}
}
