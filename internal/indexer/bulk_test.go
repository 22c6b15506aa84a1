package indexer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zep-us/docindexer/internal/backoff"
	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/transport"
	"github.com/zep-us/docindexer/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	code := m.Run()
	logger.SetOutput(nil)
	os.Exit(code)
}

func newBulk(t *testing.T, tr transport.Transport, cfg BulkConfig, sinks ...completion.Sink) *BulkIndexer {
	t.Helper()
	bi, err := NewBulkIndexer(tr, cfg, sinks...)
	require.NoError(t, err)
	return bi
}

func TestBulkIndexer_ThresholdDispatch(t *testing.T) {
	tr := &fakeTransport{}
	sig := completion.NewSignal(2)
	bi := newBulk(t, tr, BulkConfig{BulkActions: 2, DrainTimeout: time.Second}, sig)

	for i := 0; i < 3; i++ {
		require.NoError(t, bi.Index(doc("t", i)))
	}
	assert.Len(t, tr.Batches(), 1, "crossing the threshold dispatches immediately")
	assert.Equal(t, 1, bi.Stats().Pending)

	require.NoError(t, bi.Close())

	batches := tr.Batches()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
	assert.True(t, sig.WaitTimeout(time.Second))
	assert.True(t, tr.Closed())
}

func TestBulkIndexer_ConcurrentProducers_NoLossNoDuplicates(t *testing.T) {
	const producers, perProducer = 8, 500

	tr := &fakeTransport{}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 7, DrainTimeout: 5 * time.Second}, events)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				req := transport.Request{
					Index:  "c",
					ID:     fmt.Sprintf("%d-%d", p, i),
					Source: map[string]any{"p": p, "i": i},
				}
				if err := bi.Index(req); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, bi.Close())

	seen := make(map[string]int)
	total := 0
	batches := tr.Batches()
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 7)
		last := make(map[int]int)
		for _, r := range b {
			seen[r.ID]++
			total++
			p, i := r.Source["p"].(int), r.Source["i"].(int)
			if prev, ok := last[p]; ok {
				assert.Greater(t, i, prev, "producer %d reordered inside a batch", p)
			}
			last[p] = i
		}
	}
	assert.Equal(t, producers*perProducer, total)
	assert.Len(t, seen, producers*perProducer)
	for id, n := range seen {
		if n != 1 {
			t.Errorf("document %s dispatched %d times", id, n)
		}
	}

	ids := make(map[uint64]bool)
	items := 0
	for _, e := range events.Events() {
		assert.False(t, ids[e.ExecutionID], "execution %d notified twice", e.ExecutionID)
		ids[e.ExecutionID] = true
		assert.Equal(t, completion.OutcomeDone, e.Outcome)
		items += e.Items
	}
	assert.Len(t, ids, len(batches))
	assert.Equal(t, total, items)

	stats := bi.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.Accepted)
	assert.Equal(t, uint64(len(batches)), stats.Succeeded)
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Pending)
}

func TestBulkIndexer_PreservesOrderWithinBatch(t *testing.T) {
	tr := &fakeTransport{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 5, DrainTimeout: time.Second})

	for i := 0; i < 20; i++ {
		require.NoError(t, bi.Index(doc("o", i)))
	}
	require.NoError(t, bi.Close())

	for _, b := range tr.Batches() {
		require.Len(t, b, 5)
		first := b[0].Source["n"].(int)
		for j, r := range b {
			assert.Equal(t, first+j, r.Source["n"].(int))
		}
	}
}

func TestBulkIndexer_RetriesUntilSuccess(t *testing.T) {
	tr := &fakeTransport{respond: func(n int, reqs []transport.Request) transport.Result {
		if n < 3 {
			return failWith(transport.KindThrottled)
		}
		return okResult(reqs)
	}}
	policy := &recordingPolicy{inner: backoff.ExponentialPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 3,
	}}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 2, DrainTimeout: 2 * time.Second, Backoff: policy}, events)

	require.NoError(t, bi.Index(doc("r", 1)))
	require.NoError(t, bi.Index(doc("r", 2)))
	require.NoError(t, bi.Close())

	assert.Equal(t, 3, tr.Calls())
	assert.Len(t, policy.Delays(), 2)

	batches := tr.Batches()
	for _, b := range batches[1:] {
		assert.Equal(t, batches[0], b, "retries resubmit the same batch")
	}

	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeDone, got[0].Outcome)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, uint64(2), bi.Stats().Retries)
	assert.NoError(t, bi.LastFailure())
}

func TestBulkIndexer_GivesUpWhenBackoffExhausted(t *testing.T) {
	tr := &fakeTransport{respond: func(int, []transport.Request) transport.Result {
		return failWith(transport.KindThrottled)
	}}
	policy := &recordingPolicy{inner: backoff.Exponential(time.Millisecond, 5*time.Millisecond, 3, false)}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 1, DrainTimeout: 2 * time.Second, Backoff: policy}, events)

	require.NoError(t, bi.Index(doc("x", 1)))
	require.NoError(t, bi.Close())

	assert.Equal(t, 3, tr.Calls())
	assert.Len(t, policy.Delays(), 2)

	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeFailed, got[0].Outcome)
	assert.Equal(t, 3, got[0].Attempts)

	err := bi.LastFailure()
	require.Error(t, err)
	assert.Equal(t, transport.KindThrottled, transport.KindOf(err))
	assert.Contains(t, err.Error(), "giving up after 3 attempt(s)")
}

func TestBulkIndexer_NoBackoffFailsAfterOneAttempt(t *testing.T) {
	for name, policy := range map[string]backoff.Policy{"none": backoff.NoBackoff(), "nil": nil} {
		t.Run(name, func(t *testing.T) {
			tr := &fakeTransport{respond: func(int, []transport.Request) transport.Result {
				return failWith(transport.KindConnection)
			}}
			events := &eventLog{}
			bi := newBulk(t, tr, BulkConfig{BulkActions: 1, DrainTimeout: time.Second, Backoff: policy}, events)

			require.NoError(t, bi.Index(doc("x", 1)))
			require.NoError(t, bi.Close())

			assert.Equal(t, 1, tr.Calls())
			got := events.Events()
			require.Len(t, got, 1)
			assert.Equal(t, completion.OutcomeFailed, got[0].Outcome)
			assert.Equal(t, 1, got[0].Attempts)
		})
	}
}

func TestBulkIndexer_NonRetryableFailsImmediately(t *testing.T) {
	tr := &fakeTransport{respond: func(int, []transport.Request) transport.Result {
		return failWith(transport.KindRejected)
	}}
	policy := &recordingPolicy{inner: backoff.Constant(time.Millisecond, 5)}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 1, DrainTimeout: time.Second, Backoff: policy}, events)

	require.NoError(t, bi.Index(doc("x", 1)))
	require.NoError(t, bi.Close())

	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, policy.Delays())
	assert.Equal(t, transport.KindRejected, transport.KindOf(bi.LastFailure()))
	assert.Equal(t, uint64(1), bi.Stats().Failed)
}

func TestBulkIndexer_ItemFailuresStillDone(t *testing.T) {
	tr := &fakeTransport{respond: func(_ int, reqs []transport.Request) transport.Result {
		res := okResult(reqs)
		res.Items[1].Status = http.StatusBadRequest
		res.Items[1].Reason = "mapper_parsing_exception: failed to parse"
		return res
	}}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 3, DrainTimeout: time.Second}, events)

	for i := 0; i < 3; i++ {
		require.NoError(t, bi.Index(doc("x", i)))
	}
	require.NoError(t, bi.Close())

	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeDone, got[0].Outcome)
	assert.Equal(t, 1, got[0].FailedItems)
	assert.Equal(t, uint64(1), bi.Stats().FailedItems)
	assert.NoError(t, bi.LastFailure())
}

func TestBulkIndexer_RetriesThrottledItemsOnly(t *testing.T) {
	tr := &fakeTransport{respond: func(n int, reqs []transport.Request) transport.Result {
		res := okResult(reqs)
		if n == 1 {
			res.Items[1].Status = http.StatusTooManyRequests
			res.Items[1].Reason = "es_rejected_execution_exception: queue full"
			res.Items[2].Status = http.StatusBadRequest
			res.Items[2].Reason = "mapper_parsing_exception: failed to parse"
		}
		return res
	}}
	policy := &recordingPolicy{inner: backoff.Constant(time.Millisecond, 3)}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 3, DrainTimeout: 2 * time.Second, Backoff: policy}, events)

	for i := 0; i < 3; i++ {
		require.NoError(t, bi.Index(doc("t", i)))
	}
	require.NoError(t, bi.Close())

	batches := tr.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 1, "only the throttled item is resubmitted")
	assert.Equal(t, batches[0][1], batches[1][0])

	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeDone, got[0].Outcome)
	assert.Equal(t, 3, got[0].Items)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, 1, got[0].FailedItems, "the parse failure stays counted")
	assert.Equal(t, uint64(1), bi.Stats().Retries)
}

func TestBulkIndexer_ThrottledItemsKeptWhenBackoffExhausted(t *testing.T) {
	tr := &fakeTransport{respond: func(_ int, reqs []transport.Request) transport.Result {
		res := okResult(reqs)
		res.Items[0].Status = http.StatusTooManyRequests
		return res
	}}
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 2, DrainTimeout: time.Second, Backoff: backoff.NoBackoff()}, events)

	require.NoError(t, bi.Index(doc("t", 1)))
	require.NoError(t, bi.Index(doc("t", 2)))
	require.NoError(t, bi.Close())

	assert.Equal(t, 1, tr.Calls())
	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeDone, got[0].Outcome)
	assert.Equal(t, 1, got[0].FailedItems)
}

func TestBulkIndexer_CloseBoundedByDrainTimeout(t *testing.T) {
	hold := make(chan struct{})
	tr := &fakeTransport{hold: hold}
	sig := completion.NewSignal(1)
	events := &eventLog{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 10, DrainTimeout: 100 * time.Millisecond}, sig, events)

	require.NoError(t, bi.Index(doc("stuck", 1)))

	start := time.Now()
	err := bi.Close()
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, sig.WaitTimeout(0), "abandoned batch still releases the signal")

	got := events.Events()
	require.Len(t, got, 1)
	assert.Equal(t, completion.OutcomeAbandoned, got[0].Outcome)
	assert.ErrorIs(t, bi.LastFailure(), ErrAbandoned)
	assert.Equal(t, uint64(1), bi.Stats().Abandoned)

	// The real completion arriving late must not notify again.
	close(hold)
	assert.Never(t, func() bool { return len(events.Events()) != 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, sig.Count())

	assert.NoError(t, bi.Close(), "second Close is a no-op")
}

func TestBulkIndexer_TwoWaitersOnOneSignal(t *testing.T) {
	tr := &fakeTransport{}
	sig := completion.NewSignal(2)
	bi := newBulk(t, tr, BulkConfig{BulkActions: 1, DrainTimeout: time.Second}, sig)
	defer bi.Close()

	released := atomic.NewInt32(0)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			sig.Wait()
			released.Inc()
			return nil
		})
	}

	require.NoError(t, bi.Index(doc("w", 1)))
	require.NoError(t, bi.Index(doc("w", 2)))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not released")
	}

	assert.Equal(t, int32(2), released.Load())
	assert.Zero(t, sig.Count())
}

func TestBulkIndexer_FlushAndInterval(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		tr := &fakeTransport{}
		bi := newBulk(t, tr, BulkConfig{BulkActions: 100, DrainTimeout: time.Second})

		for i := 0; i < 3; i++ {
			require.NoError(t, bi.Index(doc("f", i)))
		}
		bi.Flush()
		bi.Flush()
		require.Len(t, tr.Batches(), 1)
		assert.Len(t, tr.Batches()[0], 3)

		require.NoError(t, bi.Close())
		assert.Len(t, tr.Batches(), 1, "nothing left to flush on Close")
	})

	t.Run("periodic", func(t *testing.T) {
		tr := &fakeTransport{}
		bi := newBulk(t, tr, BulkConfig{BulkActions: 100, FlushInterval: 20 * time.Millisecond, DrainTimeout: time.Second})

		require.NoError(t, bi.Index(doc("f", 1)))
		assert.Eventually(t, func() bool { return tr.Calls() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, bi.Close())
	})
}

func TestBulkIndexer_RejectsInvalidAndClosed(t *testing.T) {
	tr := &fakeTransport{}
	bi := newBulk(t, tr, BulkConfig{BulkActions: 10, DrainTimeout: time.Second})

	err := bi.Index(transport.Request{Index: "Not/Valid", Source: map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	var verrs validator.ValidationErrors
	assert.True(t, errors.As(err, &verrs))
	assert.Zero(t, bi.Stats().Accepted)

	require.NoError(t, bi.Close())
	assert.ErrorIs(t, bi.Index(doc("x", 1)), ErrClosed)
	assert.Zero(t, tr.Calls())
}

func TestNewBulkIndexer_ValidatesConfig(t *testing.T) {
	_, err := NewBulkIndexer(&fakeTransport{}, BulkConfig{BulkActions: 0, DrainTimeout: time.Second})
	assert.Error(t, err)

	_, err = NewBulkIndexer(&fakeTransport{}, BulkConfig{BulkActions: 1})
	assert.Error(t, err)

	assert.NoError(t, DefaultBulkConfig().Validate())
}
