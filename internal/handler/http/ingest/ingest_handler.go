package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/docindexer/internal/indexer"
	"github.com/zep-us/docindexer/internal/transport"
	"github.com/zep-us/docindexer/pkg/logger"
)

// IngestHandler accepts documents over HTTP and hands them to the indexer
// Responses only confirm acceptance; delivery is reported through logs and metrics
type IngestHandler struct {
	indexer indexer.Indexer
}

// NewIngestHandler creates a new IngestHandler backed by ix
func NewIngestHandler(ix indexer.Indexer) *IngestHandler {
	return &IngestHandler{indexer: ix}
}

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	Index string `json:"index"`
	ID    string `json:"id,omitempty"`
}

// HandleIndex handles POST /v1/:index/_doc and POST|PUT /v1/:index/_doc/:id
// The body is the document source; ?op_type=create fails on existing ids
func (h *IngestHandler) HandleIndex(c echo.Context) error {
	var source map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&source); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON object: " + err.Error()})
	}

	req := transport.Request{
		Index:  c.Param("index"),
		ID:     c.Param("id"),
		Op:     c.QueryParam("op_type"),
		Source: source,
	}
	if err := h.indexer.Index(req); err != nil {
		return h.indexError(c, err)
	}
	return c.JSON(http.StatusAccepted, acceptedResponse{Index: req.Index, ID: req.ID})
}

type batchResponse struct {
	Accepted int          `json:"accepted"`
	Errors   []batchError `json:"errors,omitempty"`
}

type batchError struct {
	Position int    `json:"position"`
	Error    string `json:"error"`
}

// HandleBatch handles POST /v1/_batch with a JSON array of requests
// Invalid entries are reported by position, valid ones are still accepted
// When the indexer closes midway the closing position is the last one reported
func (h *IngestHandler) HandleBatch(c echo.Context) error {
	var reqs []transport.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&reqs); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "body must be a JSON array of requests: " + err.Error()})
	}

	resp := batchResponse{}
	closed := false
	for i, req := range reqs {
		err := h.indexer.Index(req)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, indexer.ErrClosed):
			// Entries from here on were not taken; the ones before were.
			resp.Errors = append(resp.Errors, batchError{Position: i, Error: err.Error()})
			closed = true
		default:
			resp.Errors = append(resp.Errors, batchError{Position: i, Error: err.Error()})
		}
		if closed {
			break
		}
	}

	status := http.StatusAccepted
	switch {
	case resp.Accepted > 0:
	case closed:
		status = http.StatusServiceUnavailable
	case len(resp.Errors) > 0:
		status = http.StatusBadRequest
	}
	return c.JSON(status, resp)
}

// HandleFlush handles POST /v1/_flush
// Indexers without a buffer have nothing to flush and still answer 202
func (h *IngestHandler) HandleFlush(c echo.Context) error {
	f, ok := h.indexer.(indexer.Flusher)
	if ok {
		f.Flush()
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"flushed": ok})
}

type statsResponse struct {
	indexer.Stats
	LastFailure string `json:"last_failure,omitempty"`
}

// HandleStats handles GET /v1/_stats
func (h *IngestHandler) HandleStats(c echo.Context) error {
	resp := statsResponse{Stats: h.indexer.Stats()}
	if err := h.indexer.LastFailure(); err != nil {
		resp.LastFailure = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *IngestHandler) indexError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, indexer.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, indexer.ErrClosed):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logger.Error("Unexpected index error: %v", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
