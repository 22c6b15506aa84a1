// Package transport delivers index requests to a document-store cluster.
//
// A Transport never blocks its caller on the network: SubmitOne and
// SubmitBatch hand the work to a worker pool and invoke the callback exactly
// once, on a worker goroutine, when the call reaches a result. Retrying is
// not the transport's job; it only classifies failures (see Error) so the
// caller can decide.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zep-us/docindexer/internal/worker"
)

// Operation names accepted in Request.Op.
const (
	OpIndex  = "index"
	OpCreate = "create"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("indexname", func(fl validator.FieldLevel) bool {
		return validIndexName(fl.Field().String())
	})
	return v
}

// validIndexName applies the cluster's naming rules for collections.
func validIndexName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > 255 {
		return false
	}
	if strings.ToLower(name) != name || strings.ContainsAny(name, `\/*?"<>| ,#:`) {
		return false
	}
	return !strings.ContainsAny(name[:1], "-_+")
}

// Request is one document to store. It must not be modified after it has
// been handed to an indexer.
type Request struct {
	// Index names the target collection.
	Index string `json:"index" validate:"required,indexname"`
	// ID is optional. Without one the cluster assigns an identifier.
	ID string `json:"id,omitempty" validate:"max=512"`
	// Op is "index" (create or overwrite, the default) or "create" (fail if
	// the document exists).
	Op     string         `json:"op,omitempty" validate:"omitempty,oneof=index create"`
	Source map[string]any `json:"source" validate:"required"`
}

// Validate checks the request before it is accepted.
func (r Request) Validate() error {
	return validate.Struct(r)
}

func (r Request) op() string {
	if r.Op == "" {
		return OpIndex
	}
	return r.Op
}

// ItemStatus is the cluster's verdict on one document of a call.
type ItemStatus struct {
	Index  string `json:"index"`
	ID     string `json:"id"`
	Status int    `json:"status"`
	// Reason is empty on success.
	Reason string `json:"reason,omitempty"`
}

// Failed reports whether the cluster rejected this item.
func (s ItemStatus) Failed() bool {
	return s.Status >= 300 || s.Reason != ""
}

// Result is the outcome of one network call. Err is nil when the call went
// through; Items then holds one status per submitted request, in
// submission order.
type Result struct {
	Items []ItemStatus
	Err   error
	Took  time.Duration
}

// FailedItems counts rejected items of a successful call.
func (r Result) FailedItems() int {
	n := 0
	for _, it := range r.Items {
		if it.Failed() {
			n++
		}
	}
	return n
}

// Callback receives the Result of a submission.
type Callback func(Result)

// Transport is the network collaborator used by the indexers.
type Transport interface {
	// SubmitOne sends a single document.
	SubmitOne(req Request, cb Callback)
	// SubmitBatch sends all requests in one call. reqs must not be modified
	// until cb has run.
	SubmitBatch(reqs []Request, cb Callback)
	// Close waits for queued calls until ctx is done and releases the
	// connection. Calls submitted afterwards fail with KindClosed.
	Close(ctx context.Context) error
}

// dispatch runs call on the pool and hands its Result to cb. When the pool
// refuses the task cb still runs exactly once, on its own goroutine.
func dispatch(pool *worker.Pool, op string, call func() Result, cb Callback) {
	err := pool.Submit(func() {
		start := time.Now()
		res := call()
		if res.Took == 0 {
			res.Took = time.Since(start)
		}
		cb(res)
	})
	if err != nil {
		go cb(Result{Err: rejected(op, err)})
	}
}

func closePool(ctx context.Context, pool *worker.Pool) error {
	if !pool.StopContext(ctx) {
		return fmt.Errorf("transport close: %w", ctx.Err())
	}
	return nil
}
