package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zep-us/docindexer/internal/completion"
)

// Namespace prefixes every metric exported by the daemon
const Namespace = "docindexer"

var (
	// QueueDepthGauge tracks the current depth of the transport worker queue
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "worker_pool_queue_depth",
		Help:      "Current number of transport tasks waiting for a worker",
	})

	// ActiveWorkersGauge tracks the number of workers currently running a task
	ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "worker_pool_active_workers",
		Help:      "Current number of workers running a network call or callback",
	})

	// OperationsCounter counts terminal outcomes of index operations
	// kind is "single" or "bulk", outcome is "done", "failed" or "abandoned"
	OperationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "operations_total",
		Help:      "Total number of index operations that reached a terminal state",
	}, []string{"kind", "outcome"})

	// ItemsCounter counts documents by per-item result
	ItemsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "items_total",
		Help:      "Total number of documents by result (indexed, rejected, failed)",
	}, []string{"result"})

	// RetriesCounter counts bulk resubmissions after a retryable failure
	RetriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bulk_retries_total",
		Help:      "Total number of bulk requests resubmitted after a retryable failure",
	})

	// InFlightGauge tracks operations handed to the transport and not yet terminal
	InFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "operations_in_flight",
		Help:      "Current number of index operations waiting for the cluster",
	})
)

// Observer is a completion.Sink that records every terminal event
type Observer struct{}

// NewObserver returns a sink feeding the package level collectors
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) Observe(e completion.Event) {
	OperationsCounter.WithLabelValues(string(e.Kind), string(e.Outcome)).Inc()

	switch e.Outcome {
	case completion.OutcomeDone:
		ItemsCounter.WithLabelValues("indexed").Add(float64(e.Items - e.FailedItems))
		if e.FailedItems > 0 {
			ItemsCounter.WithLabelValues("rejected").Add(float64(e.FailedItems))
		}
	default:
		ItemsCounter.WithLabelValues("failed").Add(float64(e.Items))
	}
}
