package cache

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned when work is submitted to a closed Sequence.
var ErrClosed = errors.New("sequence closed")

// Sequence runs submitted functions one at a time, in submission order, on a
// single goroutine. Do and Close must not be called from a function running
// on the sequence.
type Sequence struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	log    *zap.Logger
}

func NewSequence(log *zap.Logger) *Sequence {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sequence{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	go s.run()
	return s
}

// Post queues fn without waiting for it. It reports false once the sequence is closed.
func (s *Sequence) Post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the sequence and waits for it to finish. If ctx ends first
// Do returns its error while fn still runs in turn.
func (s *Sequence) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs what is already queued, then stops the goroutine.
func (s *Sequence) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Sequence) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.invoke(fn)
	}
}

func (s *Sequence) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Sequence task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
