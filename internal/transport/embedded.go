package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"

	"github.com/zep-us/docindexer/internal/worker"
	"github.com/zep-us/docindexer/pkg/logger"
)

var errStoreClosed = errors.New("embedded store closed")

// EmbeddedConfig configures an EmbeddedTransport.
type EmbeddedConfig struct {
	// DataDir holds one bleve index per collection. Empty keeps everything
	// in memory.
	DataDir string

	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// EmbeddedTransport stores documents in local bleve indexes. It answers
// with the same statuses as the REST API so indexers cannot tell the
// difference.
type EmbeddedTransport struct {
	dataDir string
	pool    *worker.Pool

	mu      sync.Mutex // serialises writes and guards indexes
	indexes map[string]bleve.Index
	closed  bool

	applyBatch func(bleve.Index, *bleve.Batch) error
}

// NewEmbeddedTransport starts the worker pool. Indexes are opened on first
// use.
func NewEmbeddedTransport(cfg EmbeddedConfig) (*EmbeddedTransport, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
		}
	}

	pool := worker.NewPool(cfg.Workers, cfg.QueueSize, cfg.ShutdownTimeout)
	pool.Start()

	if cfg.DataDir == "" {
		logger.Info("Embedded transport ready: in-memory")
	} else {
		logger.Info("Embedded transport ready: dataDir=%s", cfg.DataDir)
	}

	return &EmbeddedTransport{
		dataDir: cfg.DataDir,
		pool:    pool,
		indexes: make(map[string]bleve.Index),
		applyBatch: func(idx bleve.Index, b *bleve.Batch) error {
			return idx.Batch(b)
		},
	}, nil
}

// SubmitOne stores req. A rejected document fails the call with
// KindRejected.
func (t *EmbeddedTransport) SubmitOne(req Request, cb Callback) {
	op := req.op()
	dispatch(t.pool, op, func() Result {
		res := t.write(op, []Request{req})
		if res.Err == nil && res.Items[0].Failed() {
			it := res.Items[0]
			res = Result{Err: &Error{Kind: statusKind(it.Status), Op: op, Status: it.Status, Err: errors.New(it.Reason)}}
		}
		return res
	}, cb)
}

// SubmitBatch stores reqs, one bleve batch per collection.
func (t *EmbeddedTransport) SubmitBatch(reqs []Request, cb Callback) {
	dispatch(t.pool, "bulk", func() Result { return t.write("bulk", reqs) }, cb)
}

// Close drains the worker pool and closes every index.
func (t *EmbeddedTransport) Close(ctx context.Context) error {
	err := closePool(ctx, t.pool)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return err
	}
	t.closed = true
	for name, idx := range t.indexes {
		if cerr := idx.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close index %s: %w", name, cerr))
		}
	}
	return err
}

// Count returns the number of documents stored in index.
func (t *EmbeddedTransport) Count(index string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errStoreClosed
	}
	idx, ok := t.indexes[index]
	if !ok {
		return 0, nil
	}
	return idx.DocCount()
}

// Contains reports whether index holds a document with the given id.
func (t *EmbeddedTransport) Contains(index, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, errStoreClosed
	}
	idx, ok := t.indexes[index]
	if !ok {
		return false, nil
	}
	doc, err := idx.Document(id)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// open returns the index for name, creating it on first use. Callers hold mu.
func (t *EmbeddedTransport) open(name string) (bleve.Index, error) {
	if idx, ok := t.indexes[name]; ok {
		return idx, nil
	}

	var (
		idx bleve.Index
		err error
	)
	if t.dataDir == "" {
		idx, err = bleve.NewMemOnly(bleve.NewIndexMapping())
	} else {
		path := filepath.Join(t.dataDir, name+".bleve")
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, bleve.NewIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index %s: %w", name, err)
	}

	logger.Debug("Opened embedded index %s", name)
	t.indexes[name] = idx
	return idx, nil
}

func (t *EmbeddedTransport) write(op string, reqs []Request) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Result{Err: &Error{Kind: KindClosed, Op: op, Err: errStoreClosed}}
	}

	items := make([]ItemStatus, len(reqs))
	batches := make(map[string]*bleve.Batch)
	written := make(map[string]bool) // index + "/" + id staged in this call
	staged := make(map[string][]int)  // item positions per collection

	for i, r := range reqs {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		items[i] = ItemStatus{Index: r.Index, ID: id}

		idx, err := t.open(r.Index)
		if err != nil {
			items[i].Status, items[i].Reason = http.StatusInternalServerError, err.Error()
			continue
		}

		key := r.Index + "/" + id
		exists := written[key]
		if !exists {
			doc, err := idx.Document(id)
			if err != nil {
				items[i].Status, items[i].Reason = http.StatusInternalServerError, err.Error()
				continue
			}
			exists = doc != nil
		}
		if exists && r.op() == OpCreate {
			items[i].Status = http.StatusConflict
			items[i].Reason = fmt.Sprintf("version_conflict_engine_exception: [%s]: document already exists", id)
			continue
		}

		b, ok := batches[r.Index]
		if !ok {
			b = idx.NewBatch()
			batches[r.Index] = b
		}
		if err := b.Index(id, r.Source); err != nil {
			items[i].Status = http.StatusBadRequest
			items[i].Reason = "mapper_parsing_exception: " + err.Error()
			continue
		}

		written[key] = true
		staged[r.Index] = append(staged[r.Index], i)
		items[i].Status = http.StatusCreated
		if exists {
			items[i].Status = http.StatusOK
		}
	}

	// Collections commit independently; a failed one only fails its own items.
	for name, b := range batches {
		if err := t.applyBatch(t.indexes[name], b); err != nil {
			reason := fmt.Sprintf("failed to execute batch on %s: %v", name, err)
			for _, i := range staged[name] {
				items[i].Status, items[i].Reason = http.StatusInternalServerError, reason
			}
		}
	}
	return Result{Items: items}
}

