// Package indexer accepts documents without blocking and delivers them to a
// transport, either one call per document (SingleIndexer) or in batches with
// retry (BulkIndexer). Every logical operation is reported exactly once to
// the configured completion sinks, whatever its outcome.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/metrics"
	"github.com/zep-us/docindexer/internal/transport"
	"github.com/zep-us/docindexer/pkg/logger"
)

var (
	// ErrInvalidRequest wraps validation failures returned by Index.
	ErrInvalidRequest = errors.New("invalid index request")
	// ErrClosed is returned by Index after Close.
	ErrClosed = errors.New("indexer closed")
	// ErrAbandoned marks operations still in flight when the drain timeout
	// of Close elapsed.
	ErrAbandoned = errors.New("operation abandoned at shutdown")
)

// Indexer accepts index requests asynchronously.
type Indexer interface {
	// Index validates req and queues it. It never waits on the network and
	// only fails with ErrInvalidRequest or ErrClosed.
	Index(req transport.Request) error
	// Close flushes pending requests, waits for in-flight operations up to
	// the drain timeout and releases the transport. Later calls are no-ops.
	Close() error
	// Stats returns a snapshot of the indexer's counters.
	Stats() Stats
	// LastFailure returns the error of the most recent failed or abandoned
	// operation, nil if there was none.
	LastFailure() error
}

// Flusher is implemented by indexers that buffer requests.
type Flusher interface {
	// Flush dispatches buffered requests without waiting for them.
	Flush()
}

// Stats is a point-in-time view of an indexer.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Operations  uint64 `json:"operations"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	Abandoned   uint64 `json:"abandoned"`
	Retries     uint64 `json:"retries"`
	FailedItems uint64 `json:"failed_items"`
	InFlight    int64  `json:"in_flight"`
	Pending     int    `json:"pending"`
}

func validate(req transport.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// execution is one logical operation: a single document or a batch,
// possibly submitted several times.
type execution struct {
	id       uint64
	items    int
	attempts atomic.Int64
	finished atomic.Bool
	// rejected counts items refused for good on earlier attempts
	rejected atomic.Int64
	once     sync.Once
}

// tracker owns the bookkeeping shared by both indexers: outstanding
// executions, exactly-once completion, counters and sinks.
type tracker struct {
	kind  completion.Kind
	sinks []completion.Sink

	nextID atomic.Uint64
	wg     sync.WaitGroup

	mu          sync.Mutex
	outstanding map[uint64]*execution

	accepted    atomic.Uint64
	operations  atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	abandoned   atomic.Uint64
	retries     atomic.Uint64
	failedItems atomic.Uint64
	inFlight    atomic.Int64
	lastFailure atomic.Error
}

func newTracker(kind completion.Kind, sinks []completion.Sink) *tracker {
	return &tracker{
		kind:        kind,
		sinks:       sinks,
		outstanding: make(map[uint64]*execution),
	}
}

// begin registers a new execution. It must not be called once drain has
// started.
func (t *tracker) begin(items int) *execution {
	e := &execution{id: t.nextID.Inc(), items: items}

	t.mu.Lock()
	t.outstanding[e.id] = e
	t.mu.Unlock()

	t.wg.Add(1)
	t.operations.Inc()
	t.inFlight.Inc()
	metrics.InFlightGauge.Inc()
	return e
}

// finish moves e to its terminal state. Only the first call for an
// execution has any effect; it reports whether this call was the one.
func (t *tracker) finish(e *execution, outcome completion.Outcome, failedItems int, err error, note string) bool {
	fired := false
	e.once.Do(func() {
		fired = true
		e.finished.Store(true)

		t.mu.Lock()
		delete(t.outstanding, e.id)
		t.mu.Unlock()

		t.inFlight.Dec()
		metrics.InFlightGauge.Dec()

		switch outcome {
		case completion.OutcomeDone:
			t.succeeded.Inc()
			t.failedItems.Add(uint64(failedItems))
		case completion.OutcomeAbandoned:
			t.abandoned.Inc()
			t.lastFailure.Store(err)
		default:
			t.failed.Inc()
			t.lastFailure.Store(err)
		}

		ev := completion.Event{
			ExecutionID: e.id,
			Kind:        t.kind,
			Outcome:     outcome,
			Items:       e.items,
			FailedItems: failedItems,
			Attempts:    int(e.attempts.Load()),
			Err:         err,
		}
		t.log(ev, note)
		completion.Broadcast(t.sinks, ev)

		t.wg.Done()
	})
	return fired
}

func (t *tracker) log(ev completion.Event, note string) {
	msg := ev.String()
	if note != "" {
		msg += " " + note
	}
	switch {
	case ev.Outcome != completion.OutcomeDone:
		logger.Error("%s", msg)
	case ev.FailedItems > 0:
		logger.Warn("%s", msg)
	default:
		logger.Info("%s", msg)
	}
}

// drain waits for every outstanding execution until ctx is done, then
// abandons what is left. It returns the number of abandoned executions.
func (t *tracker) drain(ctx context.Context) int {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return 0
	case <-ctx.Done():
	}

	t.mu.Lock()
	left := make([]*execution, 0, len(t.outstanding))
	for _, e := range t.outstanding {
		left = append(left, e)
	}
	t.mu.Unlock()

	n := 0
	for _, e := range left {
		if t.finish(e, completion.OutcomeAbandoned, 0, fmt.Errorf("%s#%d: %w", t.kind, e.id, ErrAbandoned), "") {
			n++
		}
	}
	return n
}

// shutdown drains within timeout and closes tr with whatever budget is left.
func (t *tracker) shutdown(tr transport.Transport, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if n := t.drain(ctx); n > 0 {
		logger.Warn("Drain timeout (%v) elapsed: abandoned %d operation(s)", timeout, n)
		err = fmt.Errorf("%w: %d operation(s) after %v", ErrAbandoned, n, timeout)
	}
	if cerr := tr.Close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (t *tracker) stats() Stats {
	return Stats{
		Accepted:    t.accepted.Load(),
		Operations:  t.operations.Load(),
		Succeeded:   t.succeeded.Load(),
		Failed:      t.failed.Load(),
		Abandoned:   t.abandoned.Load(),
		Retries:     t.retries.Load(),
		FailedItems: t.failedItems.Load(),
		InFlight:    t.inFlight.Load(),
	}
}
