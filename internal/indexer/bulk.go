package indexer

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zep-us/docindexer/internal/backoff"
	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/metrics"
	"github.com/zep-us/docindexer/internal/transport"
	"github.com/zep-us/docindexer/pkg/logger"
)

// BulkConfig configures a BulkIndexer.
type BulkConfig struct {
	// BulkActions is the number of buffered requests that triggers a
	// dispatch.
	BulkActions int `validate:"min=1"`
	// FlushInterval dispatches a partial batch periodically. Zero disables it.
	FlushInterval time.Duration `validate:"min=0"`
	// DrainTimeout bounds how long Close waits for in-flight batches.
	DrainTimeout time.Duration `validate:"gt=0"`
	// Backoff decides whether and when a batch that failed with a retryable
	// error is resubmitted. Nil means no retry.
	Backoff backoff.Policy
}

// DefaultBulkConfig mirrors the daemon defaults.
func DefaultBulkConfig() BulkConfig {
	return BulkConfig{
		BulkActions:  1000,
		DrainTimeout: 10 * time.Second,
		Backoff:      backoff.Exponential(50*time.Millisecond, 5*time.Second, 8, true),
	}
}

var configValidator = validator.New()

func (c BulkConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid bulk config: %w", err)
	}
	return nil
}

// BulkIndexer buffers requests and sends them in batches of BulkActions.
// A batch failing with a retryable error is resubmitted unchanged as long
// as the backoff policy allows. Items answered with 429 inside an otherwise
// successful reply are resubmitted on their own under the same policy.
type BulkIndexer struct {
	tr    transport.Transport
	cfg   BulkConfig
	track *tracker

	mu     sync.Mutex
	batch  []transport.Request
	closed bool

	stopTick chan struct{}
	tickDone chan struct{}
}

// NewBulkIndexer validates cfg and starts the periodic flush if one is
// configured.
func NewBulkIndexer(tr transport.Transport, cfg BulkConfig, sinks ...completion.Sink) (*BulkIndexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NoBackoff()
	}

	b := &BulkIndexer{
		tr:    tr,
		cfg:   cfg,
		track: newTracker(completion.KindBulk, sinks),
		batch: make([]transport.Request, 0, cfg.BulkActions),
	}

	if cfg.FlushInterval > 0 {
		b.stopTick = make(chan struct{})
		b.tickDone = make(chan struct{})
		go b.flushLoop()
	}

	logger.Debug("Bulk indexer created: bulkActions=%d flushInterval=%v drainTimeout=%v backoff=%v",
		cfg.BulkActions, cfg.FlushInterval, cfg.DrainTimeout, cfg.Backoff)
	return b, nil
}

func (b *BulkIndexer) Index(req transport.Request) error {
	if err := validate(req); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.batch = append(b.batch, req)
	b.track.accepted.Inc()

	var (
		full []transport.Request
		e    *execution
	)
	if len(b.batch) >= b.cfg.BulkActions {
		full, e = b.cut()
	}
	b.mu.Unlock()

	if e != nil {
		b.submit(e, full)
	}
	return nil
}

// Flush dispatches the current partial batch, if any.
func (b *BulkIndexer) Flush() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch, e := b.cut()
	b.mu.Unlock()

	if e != nil {
		b.submit(e, batch)
	}
}

// Close flushes, waits up to DrainTimeout for in-flight batches, abandons
// the rest and closes the transport.
func (b *BulkIndexer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	rest, e := b.cut()
	b.mu.Unlock()

	if b.stopTick != nil {
		close(b.stopTick)
		<-b.tickDone
	}
	if e != nil {
		b.submit(e, rest)
	}

	return b.track.shutdown(b.tr, b.cfg.DrainTimeout)
}

func (b *BulkIndexer) Stats() Stats {
	s := b.track.stats()
	b.mu.Lock()
	s.Pending = len(b.batch)
	b.mu.Unlock()
	return s
}

func (b *BulkIndexer) LastFailure() error {
	return b.track.lastFailure.Load()
}

// cut swaps in a fresh batch and registers an execution for the old one.
// Callers hold mu. It returns a nil execution when nothing was buffered.
func (b *BulkIndexer) cut() ([]transport.Request, *execution) {
	if len(b.batch) == 0 {
		return nil, nil
	}
	batch := b.batch
	b.batch = make([]transport.Request, 0, b.cfg.BulkActions)
	return batch, b.track.begin(len(batch))
}

func (b *BulkIndexer) submit(e *execution, batch []transport.Request) {
	e.attempts.Inc()
	b.tr.SubmitBatch(batch, func(res transport.Result) {
		b.onResult(e, batch, res)
	})
}

func (b *BulkIndexer) onResult(e *execution, batch []transport.Request, res transport.Result) {
	if e.finished.Load() {
		logger.Debug("bulk#%d: ignoring result of an abandoned batch", e.id)
		return
	}

	attempts := int(e.attempts.Load())

	if res.Err == nil {
		// Items the cluster throttled are resubmitted on their own while the
		// policy allows; every other rejection is final.
		throttled := throttledItems(batch, res.Items)
		if len(throttled) > 0 {
			if delay, ok := b.cfg.Backoff.Next(attempts - 1); ok {
				e.rejected.Add(int64(res.FailedItems() - len(throttled)))
				b.retry(e, throttled, delay, fmt.Sprintf("%d item(s) throttled", len(throttled)))
				return
			}
		}

		failed := int(e.rejected.Load()) + res.FailedItems()
		note := ""
		if res.FailedItems() > 0 {
			note = "first_rejection=" + firstRejection(res.Items)
		}
		b.track.finish(e, completion.OutcomeDone, failed, nil, note)
		return
	}

	if !transport.IsRetryable(res.Err) {
		b.track.finish(e, completion.OutcomeFailed, 0, res.Err, "")
		return
	}

	delay, ok := b.cfg.Backoff.Next(attempts - 1)
	if !ok {
		b.track.finish(e, completion.OutcomeFailed, 0,
			fmt.Errorf("giving up after %d attempt(s): %w", attempts, res.Err), "")
		return
	}
	b.retry(e, batch, delay, res.Err.Error())
}

// retry resubmits batch after delay unless the execution finished meanwhile.
func (b *BulkIndexer) retry(e *execution, batch []transport.Request, delay time.Duration, reason string) {
	b.track.retries.Inc()
	metrics.RetriesCounter.Inc()
	logger.Warn("bulk#%d attempt %d failed: %s, retrying in %v", e.id, e.attempts.Load(), reason, delay)

	time.AfterFunc(delay, func() {
		if e.finished.Load() {
			return
		}
		b.submit(e, batch)
	})
}

// throttledItems returns the requests the cluster answered with 429, in
// submission order.
func throttledItems(batch []transport.Request, items []transport.ItemStatus) []transport.Request {
	var out []transport.Request
	for i, it := range items {
		if it.Status == http.StatusTooManyRequests && i < len(batch) {
			out = append(out, batch[i])
		}
	}
	return out
}

func (b *BulkIndexer) flushLoop() {
	defer close(b.tickDone)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopTick:
			return
		}
	}
}

func firstRejection(items []transport.ItemStatus) string {
	for _, it := range items {
		if it.Failed() {
			return fmt.Sprintf("%s/%s status=%d %s", it.Index, it.ID, it.Status, it.Reason)
		}
	}
	return ""
}
