package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	want := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, want) {
		t.Fatalf("Stop = %v, want %v", err, want)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("want panic surfaced as error")
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestGoRestartRetriesThenStops(t *testing.T) {
	t.Parallel()

	var runs int64
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt64(&runs, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs int64
	s := New(context.Background())
	s.GoRestart("doomed", func(ctx context.Context) error {
		atomic.AddInt64(&runs, 1)
		return errors.New("always")
	}, WithBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("want error after exhausting restarts")
	}
	// Initial run plus two restarts.
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Go("held", func(ctx context.Context) error {
			<-release
			return nil
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Counters().Active != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Active = %d, want 3", s.Counters().Active)
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	c := s.Counters()
	if c.Started != 3 || c.Active != 0 {
		t.Errorf("Counters = %+v", c)
	}
}
