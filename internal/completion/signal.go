package completion

import (
	"context"
	"sync"
	"time"
)

// Signal is a counting barrier. It is created with the number of operations
// the caller wants to track; every Decrement moves it one step closer to
// zero and all waiters are released together when it gets there.
//
// The count can only go down. Decrements past zero are ignored so a Signal
// shared by more operations than it was sized for never underflows.
type Signal struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

// NewSignal returns a Signal waiting for count decrements. A count of zero
// or less yields a Signal that is already released.
func NewSignal(count int) *Signal {
	s := &Signal{count: count, done: make(chan struct{})}
	if count <= 0 {
		s.count = 0
		close(s.done)
	}
	return s
}

// Decrement counts one operation as finished.
func (s *Signal) Decrement() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return
	}
	s.count--
	if s.count == 0 {
		close(s.done)
	}
}

// Observe implements Sink. Every event counts as one finished operation,
// whatever its outcome.
func (s *Signal) Observe(Event) {
	s.Decrement()
}

// Count returns the number of decrements still outstanding.
func (s *Signal) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Done returns a channel closed when the count reaches zero.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the count reaches zero.
func (s *Signal) Wait() {
	<-s.done
}

// WaitTimeout blocks until the count reaches zero or d elapses. It reports
// whether the signal was released.
func (s *Signal) WaitTimeout(d time.Duration) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext blocks until the count reaches zero or ctx is done.
func (s *Signal) WaitContext(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
