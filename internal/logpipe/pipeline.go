// Package logpipe persists captured process output and fans it out to live
// subscribers. Durable writes are batched off the producing goroutines;
// per-subscriber buffers are bounded and drop oldest-first, so a slow reader
// can lose lines from its own view but never from storage and never slows
// the producing process.
package logpipe

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"taskpilot/internal/store"
	logx "taskpilot/pkg/logx"
)

const (
	// maxLineRunes caps a single stored line; longer output is split.
	maxLineRunes = 2000

	defaultQueueSize        = 4096
	defaultBatchSize        = 128
	defaultSubscriberBuffer = 256
	defaultRetainEnded      = time.Minute
)

// Pipeline is the log fanout for all executions of one engine instance.
// Register an execution with StartExecution before appending, and call
// ExecutionEnded exactly once after the final append.
type Pipeline struct {
	db  store.LogStore
	log logx.Logger

	queueSize int
	batchSize int
	subBuffer int
	retain    time.Duration

	writeCh  chan writeReq
	dropWarn *rate.Limiter

	mu     sync.Mutex
	states map[string]*execState
}

type execState struct {
	seq     int64
	ended   bool
	endedAt time.Time
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	ch    chan store.LogLine
	drops uint64
}

// writeReq is either a line to persist or a flush barrier. The barrier's
// channel is closed once every line enqueued before it is durable.
type writeReq struct {
	line  store.LogLine
	flush chan struct{}
}

type Option func(*Pipeline)

// WithQueueSize sets the durable write queue length. Appends block once it
// fills, so storage never loses lines.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber live buffer length.
func WithSubscriberBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.subBuffer = n
		}
	}
}

// WithRetainEnded sets how long finished executions stay subscribable for
// live tailing before their in-memory entry is pruned.
func WithRetainEnded(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.retain = d
		}
	}
}

func New(db store.LogStore, log logx.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		db:        db,
		log:       log,
		queueSize: defaultQueueSize,
		batchSize: defaultBatchSize,
		subBuffer: defaultSubscriberBuffer,
		retain:    defaultRetainEnded,
		dropWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		states:    map[string]*execState{},
	}
	for _, o := range opts {
		o(p)
	}
	p.writeCh = make(chan writeReq, p.queueSize)
	return p
}

// SetSubscriberBuffer replaces the live buffer length for subscriptions
// opened after the call; existing subscribers keep their channel. Zero or
// negative restores the default.
func (p *Pipeline) SetSubscriberBuffer(n int) {
	if n <= 0 {
		n = defaultSubscriberBuffer
	}
	p.mu.Lock()
	p.subBuffer = n
	p.mu.Unlock()
}

// StartExecution registers an execution for appends and live subscription.
func (p *Pipeline) StartExecution(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.states[executionID]; !ok {
		p.states[executionID] = &execState{subs: map[*subscriber]struct{}{}}
	}
}

// Append splits text into storable lines, assigns per-execution sequence
// numbers, pushes to live subscribers, and enqueues the durable write.
func (p *Pipeline) Append(executionID string, stream store.Stream, text string, at time.Time) {
	for _, chunk := range splitText(text, maxLineRunes) {
		p.appendOne(executionID, stream, chunk, at)
	}
}

func (p *Pipeline) appendOne(executionID string, stream store.Stream, text string, at time.Time) {
	p.mu.Lock()
	st, ok := p.states[executionID]
	if !ok {
		st = &execState{subs: map[*subscriber]struct{}{}}
		p.states[executionID] = st
	}
	st.seq++
	line := store.LogLine{
		ExecutionID: executionID,
		Seq:         st.seq,
		Time:        at,
		Stream:      stream,
		Text:        text,
	}
	var dropped int
	if !st.ended {
		for sub := range st.subs {
			if sub.push(line) {
				sub.drops++
				dropped++
			}
		}
	}
	// Enqueued under the lock so a flush barrier issued after observing
	// this sequence number is guaranteed to cover it.
	p.writeCh <- writeReq{line: line}
	p.mu.Unlock()

	if dropped > 0 && p.dropWarn.Allow() {
		p.log.Warn("slow log subscriber, dropping oldest lines",
			logx.String("execution_id", executionID),
			logx.Int("subscribers_affected", dropped))
	}
}

// push delivers non-blocking, evicting the oldest buffered line when full.
// Reports whether an eviction happened.
func (s *subscriber) push(line store.LogLine) bool {
	select {
	case s.ch <- line:
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- line:
	default:
	}
	return true
}

// ExecutionEnded closes the live side for the execution. Appends that
// happened before this call are still delivered to subscribers; the entry is
// pruned after the retention window.
func (p *Pipeline) ExecutionEnded(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[executionID]
	if !ok || st.ended {
		return
	}
	st.ended = true
	st.endedAt = time.Now()
	for sub := range st.subs {
		close(sub.ch)
	}
	st.subs = map[*subscriber]struct{}{}
}

// Subscribe replays durable history for the execution and, while it is
// still running, follows with a live tail. The returned channel is closed
// when the execution ends and the buffered backlog has drained, or when ctx
// is canceled. The seam between history and tail neither duplicates nor
// drops lines for this call.
func (p *Pipeline) Subscribe(ctx context.Context, executionID string) <-chan store.LogLine {
	p.mu.Lock()
	var (
		sub    *subscriber
		curSeq int64
	)
	if st, ok := p.states[executionID]; ok {
		curSeq = st.seq
		if !st.ended {
			sub = &subscriber{ch: make(chan store.LogLine, p.subBuffer)}
			st.subs[sub] = struct{}{}
		}
	}
	p.mu.Unlock()

	out := make(chan store.LogLine, 32)
	go p.serve(ctx, executionID, sub, curSeq, out)
	return out
}

func (p *Pipeline) serve(ctx context.Context, executionID string, sub *subscriber, curSeq int64, out chan<- store.LogLine) {
	defer close(out)
	detach := func() {
		if sub == nil {
			return
		}
		p.mu.Lock()
		if st, ok := p.states[executionID]; ok {
			delete(st.subs, sub)
		}
		p.mu.Unlock()
	}
	defer detach()

	// Barrier: everything at or below curSeq must be durable before the
	// history read, otherwise lines could fall between replay and tail.
	if curSeq > 0 {
		ack := make(chan struct{})
		select {
		case p.writeCh <- writeReq{flush: ack}:
		case <-ctx.Done():
			return
		}
		select {
		case <-ack:
		case <-ctx.Done():
			return
		}
	}

	history, err := p.db.LogsAfter(ctx, executionID, 0, 0)
	if err != nil {
		p.log.Error("log history replay failed",
			logx.String("execution_id", executionID), logx.Err(err))
		return
	}
	for _, ln := range history {
		if sub != nil && ln.Seq > curSeq {
			// The live buffer covers everything past curSeq.
			break
		}
		select {
		case out <- ln:
		case <-ctx.Done():
			return
		}
	}
	if sub == nil {
		return
	}

	for {
		select {
		case ln, ok := <-sub.ch:
			if !ok {
				return
			}
			select {
			case out <- ln:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// History returns a finite, filtered slice of the durable log.
func (p *Pipeline) History(ctx context.Context, executionID string, f store.LogFilter) ([]store.LogLine, error) {
	ack := make(chan struct{})
	select {
	case p.writeCh <- writeReq{flush: ack}:
		select {
		case <-ack:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.db.QueryLogs(ctx, executionID, f)
}

// Run hosts the batched durable writer and the pruning of finished
// executions. It returns when ctx is canceled, after draining the queue.
func (p *Pipeline) Run(ctx context.Context) error {
	prune := time.NewTicker(p.retain)
	defer prune.Stop()

	batch := make([]store.LogLine, 0, p.batchSize)
	var acks []chan struct{}

	flush := func(writeCtx context.Context) {
		if len(batch) > 0 {
			if err := p.db.AppendLogs(writeCtx, batch); err != nil {
				p.log.Error("log batch write failed",
					logx.Int("lines", len(batch)), logx.Err(err))
			}
			batch = batch[:0]
		}
		for _, ack := range acks {
			close(ack)
		}
		acks = acks[:0]
	}

	take := func(req writeReq) {
		if req.flush != nil {
			acks = append(acks, req.flush)
			return
		}
		batch = append(batch, req.line)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever producers already enqueued.
			for {
				select {
				case req := <-p.writeCh:
					take(req)
				default:
					writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(writeCtx)
					cancel()
					return ctx.Err()
				}
			}
		case req := <-p.writeCh:
			take(req)
		gather:
			for len(batch) < p.batchSize {
				select {
				case req := <-p.writeCh:
					take(req)
				default:
					break gather
				}
			}
			flush(ctx)
		case <-prune.C:
			p.pruneEnded()
		}
	}
}

func (p *Pipeline) pruneEnded() {
	cutoff := time.Now().Add(-p.retain)
	p.mu.Lock()
	for id, st := range p.states {
		if st.ended && st.endedAt.Before(cutoff) && len(st.subs) == 0 {
			delete(p.states, id)
		}
	}
	p.mu.Unlock()
}

// splitText breaks text into chunks of at most max runes. Empty input
// yields one empty line so blank output still shows up in the log.
func splitText(text string, max int) []string {
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}
	runes := []rune(text)
	parts := make([]string, 0, (len(runes)+max-1)/max)
	for len(runes) > max {
		parts = append(parts, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
