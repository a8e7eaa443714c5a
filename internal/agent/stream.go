package agent

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// Stream delivers the events of one turn in push order to a single consumer.
//
// Producers call Emit and then Finish exactly once. The consumer calls Next
// until io.EOF, and may call Close at any time to cancel the turn. Summary
// resolves once Finish has been called, which the producer guarantees even
// after Close.
type Stream struct {
	mu     sync.Mutex
	queue  []event.Event
	ended  bool
	closed bool
	notify chan struct{}

	waiting atomic.Bool

	cancel    context.CancelFunc
	closeOnce sync.Once

	finishOnce sync.Once
	done       chan struct{}
	summary    *ExecutionSummary
}

// NewStream creates a stream. cancel is invoked by Close and may be nil.
func NewStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		notify: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Emit appends e to the queue. It returns false once the stream is closed or
// finished, in which case e is dropped.
func (s *Stream) Emit(e event.Event) bool {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
	return true
}

// Finish ends the stream and resolves the summary. Later calls are ignored.
func (s *Stream) Finish(summary *ExecutionSummary) {
	s.finishOnce.Do(func() {
		if summary == nil {
			summary = &ExecutionSummary{}
		}
		s.mu.Lock()
		s.ended = true
		s.summary = summary
		s.mu.Unlock()
		close(s.done)
		s.wake()
	})
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event, io.EOF once the stream has ended or was closed,
// or ctx.Err() if ctx is done first. Queued events are still delivered after
// Finish, but not after Close.
func (s *Stream) Next(ctx context.Context) (event.Event, error) {
	if !s.waiting.CompareAndSwap(false, true) {
		return nil, ErrConcurrentNext
	}
	defer s.waiting.Store(false)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, nil
		}
		if s.ended {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close cancels the turn and discards queued events. It is idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		s.wake()
	})
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the summary is resolved.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Summary waits for the summary.
func (s *Stream) Summary(ctx context.Context) (*ExecutionSummary, error) {
	select {
	case <-s.done:
		return s.summary, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Collect drains a stream, returning every event and the summary.
func Collect(ctx context.Context, s *Stream) ([]event.Event, *ExecutionSummary, error) {
	var events []event.Event
	for {
		e, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, nil, err
		}
		events = append(events, e)
	}
	summary, err := s.Summary(ctx)
	return events, summary, err
}
