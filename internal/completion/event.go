// Package completion carries terminal outcomes of indexing operations to
// whoever is interested in them: waiters blocked on a Signal, the metrics
// registry, or anything else implementing Sink.
package completion

import "fmt"

// Kind identifies which indexer produced an event.
type Kind string

const (
	KindSingle Kind = "single"
	KindBulk   Kind = "bulk"
)

// Outcome is the terminal state of one logical operation.
type Outcome string

const (
	// OutcomeDone means the transport accepted the operation. Individual
	// items may still have been rejected, see Event.FailedItems.
	OutcomeDone Outcome = "done"
	// OutcomeFailed means the operation failed permanently, either with a
	// non-retryable error or after the backoff policy was exhausted.
	OutcomeFailed Outcome = "failed"
	// OutcomeAbandoned means the indexer stopped waiting for the operation
	// because its drain timeout elapsed during Close.
	OutcomeAbandoned Outcome = "abandoned"
)

// Event is posted exactly once per logical operation when it reaches a
// terminal state.
type Event struct {
	ExecutionID uint64
	Kind        Kind
	Outcome     Outcome
	Items       int
	FailedItems int
	Attempts    int
	Err         error
}

// Succeeded reports whether the operation reached the cluster.
func (e Event) Succeeded() bool {
	return e.Outcome == OutcomeDone
}

func (e Event) String() string {
	s := fmt.Sprintf("%s#%d %s items=%d attempts=%d", e.Kind, e.ExecutionID, e.Outcome, e.Items, e.Attempts)
	if e.FailedItems > 0 {
		s += fmt.Sprintf(" failed_items=%d", e.FailedItems)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s
}

// Sink receives completion events. Implementations must be safe for
// concurrent use and must not block; events are delivered from transport
// worker goroutines.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Observe(e Event) {
	f(e)
}

// Broadcast delivers e to every sink in order. Nil sinks are skipped.
func Broadcast(sinks []Sink, e Event) {
	for _, s := range sinks {
		if s != nil {
			s.Observe(e)
		}
	}
}
