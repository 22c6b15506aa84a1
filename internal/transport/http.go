package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/atomic"

	"github.com/zep-us/docindexer/internal/worker"
	"github.com/zep-us/docindexer/pkg/logger"
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// URLs lists the cluster nodes, e.g. "http://localhost:9200". Requests
	// are spread across them round-robin.
	URLs           []string
	Username       string
	Password       string
	RequestTimeout time.Duration

	// Worker pool sizing, see worker.NewPool.
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// HTTPTransport talks to an Elasticsearch/OpenSearch compatible REST API.
type HTTPTransport struct {
	client *resty.Client
	hosts  []string
	next   *atomic.Uint64
	pool   *worker.Pool
}

// restyLogger routes resty's internal logging through pkg/logger
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) { logger.Error(format, v...) }
func (restyLogger) Warnf(format string, v ...interface{})  { logger.Warn(format, v...) }
func (restyLogger) Debugf(format string, v ...interface{}) { logger.Debug(format, v...) }

// NewHTTPTransport builds the client and starts its worker pool.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("http transport: at least one cluster URL is required")
	}
	hosts := make([]string, 0, len(cfg.URLs))
	for _, raw := range cfg.URLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("http transport: invalid cluster URL %q", raw)
		}
		hosts = append(hosts, strings.TrimRight(u.String(), "/"))
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	client := resty.New()
	client.SetLogger(restyLogger{})
	client.
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	client.OnBeforeRequest(func(c *resty.Client, req *resty.Request) error {
		logger.Debug("Cluster request: %s %s", req.Method, req.URL)
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		logger.Debug("Cluster request failed: %s %s - %v", req.Method, req.URL, err)
	})

	pool := worker.NewPool(cfg.Workers, cfg.QueueSize, cfg.ShutdownTimeout)
	pool.Start()

	logger.Info("HTTP transport ready: hosts=%v timeout=%v", hosts, cfg.RequestTimeout)

	return &HTTPTransport{
		client: client,
		hosts:  hosts,
		next:   atomic.NewUint64(0),
		pool:   pool,
	}, nil
}

func (t *HTTPTransport) host() string {
	n := t.next.Inc() - 1
	return t.hosts[n%uint64(len(t.hosts))]
}

// SubmitOne sends req through the single-document API.
func (t *HTTPTransport) SubmitOne(req Request, cb Callback) {
	dispatch(t.pool, req.op(), func() Result { return t.indexOne(req) }, cb)
}

// SubmitBatch sends reqs in one _bulk call.
func (t *HTTPTransport) SubmitBatch(reqs []Request, cb Callback) {
	dispatch(t.pool, "bulk", func() Result { return t.bulk(reqs) }, cb)
}

// Close stops accepting work, waits for queued calls and drops idle
// connections.
func (t *HTTPTransport) Close(ctx context.Context) error {
	err := closePool(ctx, t.pool)
	t.client.GetClient().CloseIdleConnections()
	return err
}

type docResponse struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type itemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *itemError) String() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Type
	}
	return e.Type + ": " + e.Reason
}

func (t *HTTPTransport) indexOne(req Request) Result {
	op := req.op()
	method, path := http.MethodPost, "/"+url.PathEscape(req.Index)+"/_doc"
	switch {
	case req.ID != "" && op == OpCreate:
		method, path = http.MethodPut, "/"+url.PathEscape(req.Index)+"/_create/"+url.PathEscape(req.ID)
	case req.ID != "":
		method, path = http.MethodPut, path+"/"+url.PathEscape(req.ID)
	case op == OpCreate:
		path += "?op_type=create"
	}

	resp, err := t.client.R().
		SetBody(req.Source).
		Execute(method, t.host()+path)
	if err != nil {
		return Result{Err: networkError(op, err)}
	}
	if resp.IsError() {
		return Result{Err: &Error{
			Kind:   statusKind(resp.StatusCode()),
			Op:     op,
			Status: resp.StatusCode(),
			Err:    errors.New(responseReason(resp.Body())),
		}}
	}

	var body docResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return Result{Err: &Error{Kind: KindMalformed, Op: op, Status: resp.StatusCode(), Err: err}}
	}
	return Result{
		Items: []ItemStatus{{Index: body.Index, ID: body.ID, Status: resp.StatusCode()}},
		Took:  resp.Time(),
	}
}

type bulkResponse struct {
	Took   int64                      `json:"took"`
	Errors bool                       `json:"errors"`
	Items  []map[string]bulkItemReply `json:"items"`
}

type bulkItemReply struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *itemError `json:"error"`
}

// encodeBulk renders reqs as the newline delimited action/source pairs the
// _bulk endpoint expects.
func encodeBulk(reqs []Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, r := range reqs {
		meta := map[string]string{"_index": r.Index}
		if r.ID != "" {
			meta["_id"] = r.ID
		}
		if err := enc.Encode(map[string]any{r.op(): meta}); err != nil {
			return nil, fmt.Errorf("encode action %d: %w", i, err)
		}
		if err := enc.Encode(r.Source); err != nil {
			return nil, fmt.Errorf("encode source %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func (t *HTTPTransport) bulk(reqs []Request) Result {
	payload, err := encodeBulk(reqs)
	if err != nil {
		return Result{Err: &Error{Kind: KindMalformed, Op: "bulk", Err: err}}
	}

	resp, err := t.client.R().
		SetHeader("Content-Type", "application/x-ndjson").
		SetBody(payload).
		Post(t.host() + "/_bulk")
	if err != nil {
		return Result{Err: networkError("bulk", err)}
	}
	if resp.IsError() {
		return Result{Err: &Error{
			Kind:   statusKind(resp.StatusCode()),
			Op:     "bulk",
			Status: resp.StatusCode(),
			Err:    errors.New(responseReason(resp.Body())),
		}}
	}
	return decodeBulk(resp.Body(), reqs, resp.StatusCode())
}

func decodeBulk(body []byte, reqs []Request, status int) Result {
	var br bulkResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return Result{Err: &Error{Kind: KindMalformed, Op: "bulk", Status: status, Err: err}}
	}
	if len(br.Items) != len(reqs) {
		return Result{Err: &Error{
			Kind:   KindMalformed,
			Op:     "bulk",
			Status: status,
			Err:    fmt.Errorf("response has %d items for %d requests", len(br.Items), len(reqs)),
		}}
	}

	items := make([]ItemStatus, len(reqs))
	for i, entry := range br.Items {
		items[i] = ItemStatus{Index: reqs[i].Index, ID: reqs[i].ID}
		// Each entry holds exactly one key named after the action.
		for _, reply := range entry {
			items[i].Status = reply.Status
			items[i].Reason = reply.Error.String()
			if reply.Index != "" {
				items[i].Index = reply.Index
			}
			if reply.ID != "" {
				items[i].ID = reply.ID
			}
		}
	}
	return Result{Items: items, Took: time.Duration(br.Took) * time.Millisecond}
}

// responseReason extracts error.reason from an error body, falling back to
// the raw text.
func responseReason(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var ie itemError
		if json.Unmarshal(envelope.Error, &ie) == nil && ie.Type != "" {
			return ie.String()
		}
		var s string
		if json.Unmarshal(envelope.Error, &s) == nil {
			return s
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		return "empty response"
	}
	return text
}
