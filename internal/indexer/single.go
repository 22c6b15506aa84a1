package indexer

import (
	"sync"
	"time"

	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/transport"
)

// SingleIndexer sends every request on its own and never retries.
type SingleIndexer struct {
	tr           transport.Transport
	drainTimeout time.Duration
	track        *tracker

	mu     sync.RWMutex
	closed bool
}

// NewSingleIndexer returns an indexer submitting through tr. Close waits up
// to drainTimeout for in-flight requests.
func NewSingleIndexer(tr transport.Transport, drainTimeout time.Duration, sinks ...completion.Sink) *SingleIndexer {
	return &SingleIndexer{
		tr:           tr,
		drainTimeout: drainTimeout,
		track:        newTracker(completion.KindSingle, sinks),
	}
}

func (s *SingleIndexer) Index(req transport.Request) error {
	if err := validate(req); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	s.track.accepted.Inc()
	e := s.track.begin(1)
	e.attempts.Inc()
	s.tr.SubmitOne(req, func(res transport.Result) {
		if res.Err != nil {
			s.track.finish(e, completion.OutcomeFailed, 0, res.Err, "")
			return
		}
		s.track.finish(e, completion.OutcomeDone, res.FailedItems(), nil, "")
	})
	return nil
}

func (s *SingleIndexer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.track.shutdown(s.tr, s.drainTimeout)
}

func (s *SingleIndexer) Stats() Stats {
	return s.track.stats()
}

func (s *SingleIndexer) LastFailure() error {
	return s.track.lastFailure.Load()
}
