package indexer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zep-us/docindexer/internal/backoff"
	"github.com/zep-us/docindexer/internal/completion"
	"github.com/zep-us/docindexer/internal/transport"
)

// fakeTransport records every call and answers asynchronously. respond
// decides the result of the n-th call (1-based); nil means every item
// succeeds.
type fakeTransport struct {
	respond func(n int, reqs []transport.Request) transport.Result
	hold    chan struct{} // when set, callbacks wait for it to be closed

	mu      sync.Mutex
	calls   int
	batches [][]transport.Request
	singles []transport.Request
	closed  bool
}

func okResult(reqs []transport.Request) transport.Result {
	items := make([]transport.ItemStatus, len(reqs))
	for i, r := range reqs {
		items[i] = transport.ItemStatus{Index: r.Index, ID: r.ID, Status: http.StatusCreated}
	}
	return transport.Result{Items: items}
}

func failWith(kind transport.Kind) transport.Result {
	return transport.Result{Err: &transport.Error{Kind: kind, Op: "bulk", Err: fmt.Errorf("scripted %s", kind)}}
}

func (f *fakeTransport) call(reqs []transport.Request, cb transport.Callback) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	go func() {
		if f.hold != nil {
			<-f.hold
		}
		if f.respond != nil {
			cb(f.respond(n, reqs))
			return
		}
		cb(okResult(reqs))
	}()
}

func (f *fakeTransport) SubmitOne(req transport.Request, cb transport.Callback) {
	f.mu.Lock()
	f.singles = append(f.singles, req)
	f.mu.Unlock()
	f.call([]transport.Request{req}, cb)
}

func (f *fakeTransport) SubmitBatch(reqs []transport.Request, cb transport.Callback) {
	f.mu.Lock()
	f.batches = append(f.batches, reqs)
	f.mu.Unlock()
	f.call(reqs, cb)
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) Batches() [][]transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]transport.Request, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingPolicy remembers every delay it grants.
type recordingPolicy struct {
	inner backoff.Policy

	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPolicy) Next(attempt int) (time.Duration, bool) {
	d, ok := p.inner.Next(attempt)
	if ok {
		p.mu.Lock()
		p.delays = append(p.delays, d)
		p.mu.Unlock()
	}
	return d, ok
}

func (p *recordingPolicy) Delays() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}

// eventLog is a sink collecting every event it sees.
type eventLog struct {
	mu     sync.Mutex
	events []completion.Event
}

func (l *eventLog) Observe(e completion.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) Events() []completion.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]completion.Event(nil), l.events...)
}

func doc(index string, n int) transport.Request {
	return transport.Request{
		Index:  index,
		ID:     fmt.Sprintf("doc-%d", n),
		Source: map[string]any{"n": n},
	}
}
