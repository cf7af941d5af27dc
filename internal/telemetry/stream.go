package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
)

// Sink consumes events off the stream. Consume runs on the stream's
// dispatch goroutine; a slow sink delays the others, so sinks that do I/O
// should buffer internally (the journal and redis publisher both do).
type Sink interface {
	Name() string
	Consume(ctx context.Context, ev Event) error
}

const defaultStreamCapacity = 1024

// Stream is a bounded in-memory event bus. Emit never blocks: when the
// buffer is full the oldest pending event is discarded and counted in
// Dropped. Sinks and subscribers receive events in arrival order.
type Stream struct {
	buf     chan Event
	dropped atomic.Uint64
	total   atomic.Uint64

	mu      sync.Mutex
	sinks   []Sink
	subs    map[uint64]chan Event
	nextSub uint64
	started bool
	done    chan struct{}
}

// NewStream builds a stream with the given buffer capacity. A capacity
// of zero or less uses the default.
func NewStream(capacity int, sinks ...Sink) *Stream {
	if capacity <= 0 {
		capacity = defaultStreamCapacity
	}
	return &Stream{
		buf:   make(chan Event, capacity),
		sinks: sinks,
		subs:  make(map[uint64]chan Event),
		done:  make(chan struct{}),
	}
}

// AddSink registers a sink. Sinks added after Start still receive all
// events emitted from that point on.
func (s *Stream) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Emit implements Emitter. Events without a timestamp are stamped here.
func (s *Stream) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.total.Add(1)
	for {
		select {
		case s.buf <- ev:
			return
		default:
		}
		// Buffer full. Evict the oldest pending event and retry once;
		// a concurrent reader may have drained the slot already.
		select {
		case <-s.buf:
			s.dropped.Add(1)
		default:
		}
	}
}

// Start launches the dispatch goroutine. It returns immediately; dispatch
// stops when ctx is canceled and Done is then closed.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				s.drain(ctx)
				return
			case ev := <-s.buf:
				s.dispatch(ctx, ev)
			}
		}
	}()
}

// drain flushes events already buffered at shutdown so sinks see a
// complete record.
func (s *Stream) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.buf:
			s.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, ev Event) {
	s.mu.Lock()
	sinks := make([]Sink, len(s.sinks))
	copy(sinks, s.sinks)
	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Consume(ctx, ev); err != nil {
			logger.Warn(ctx, "Event sink failed",
				tag.Name(sink.Name()), tag.Error(err))
		}
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; it misses this event.
		}
	}
}

// Subscribe returns a channel that receives events dispatched from now on
// and a cancel function that must be called when done. Slow subscribers
// lose events rather than stalling the stream.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Dropped reports how many events were evicted because the buffer was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Total reports how many events were emitted, including dropped ones.
func (s *Stream) Total() uint64 { return s.total.Load() }

// Done is closed once the dispatch goroutine has flushed and exited.
func (s *Stream) Done() <-chan struct{} { return s.done }
