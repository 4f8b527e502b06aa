package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/hashicorp/go-multierror"

	"github.com/eunmann/s3-log-forwarder/internal/logctx"
	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
)

// DefaultBatchMaxActions is the number of buffered documents that triggers
// a bulk request.
const DefaultBatchMaxActions = 10000

// DefaultMaxRetryTime bounds how long a bulk request is retried.
const DefaultMaxRetryTime = 2 * time.Minute

// ElasticsearchConfig configures the Elasticsearch output. CloudID takes
// precedence over Addresses and APIKey over Username and Password.
type ElasticsearchConfig struct {
	Addresses []string
	CloudID   string
	Username  string
	Password  string
	APIKey    string

	DataStream DataStream
	// Index overrides the data stream name derived from DataStream.
	Index string

	BatchMaxActions int
	MaxRetryTime    time.Duration

	// Transport replaces the HTTP transport. Nil means the client default.
	Transport http.RoundTripper
}

// Elasticsearch buffers documents and writes them with the bulk API using
// the create action.
type Elasticsearch struct {
	client  *elasticsearch.Client
	index   string
	stream  DataStream
	batch   int
	backoff func() backoff.BackOff
	metrics *metrics.Metrics

	pending []bulkAction
	sent    int
}

type bulkAction struct {
	id   string
	line []byte
}

// ElasticsearchOption customizes an Elasticsearch output.
type ElasticsearchOption func(*Elasticsearch)

// WithBackOff replaces the retry policy.
func WithBackOff(f func() backoff.BackOff) ElasticsearchOption {
	return func(e *Elasticsearch) { e.backoff = f }
}

// WithMetrics records bulk outcomes on m.
func WithMetrics(m *metrics.Metrics) ElasticsearchOption {
	return func(e *Elasticsearch) { e.metrics = m }
}

// NewElasticsearch creates the output. It does not contact the cluster.
func NewElasticsearch(cfg ElasticsearchConfig, opts ...ElasticsearchOption) (*Elasticsearch, error) {
	if cfg.CloudID == "" && len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: elasticsearch needs an address or a cloud id", ErrInvalidConfig)
	}
	if cfg.BatchMaxActions < 0 {
		return nil, fmt.Errorf("%w: negative batch size %d", ErrInvalidConfig, cfg.BatchMaxActions)
	}

	esCfg := elasticsearch.Config{
		CloudID:      cfg.CloudID,
		APIKey:       cfg.APIKey,
		Transport:    cfg.Transport,
		DisableRetry: true,
	}
	if cfg.CloudID == "" {
		esCfg.Addresses = cfg.Addresses
	}
	if cfg.APIKey == "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	stream := cfg.DataStream.WithDefaults()
	e := &Elasticsearch{
		client: client,
		index:  cfg.Index,
		stream: stream,
		batch:  cfg.BatchMaxActions,
	}
	if e.index == "" {
		e.index = stream.Index()
	}
	if e.batch == 0 {
		e.batch = DefaultBatchMaxActions
	}
	maxRetry := cfg.MaxRetryTime
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetryTime
	}
	e.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxRetry
		return b
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Index returns the target index or data stream.
func (e *Elasticsearch) Index() string {
	return e.index
}

// Sent returns the number of documents the backend accepted, conflicts
// included.
func (e *Elasticsearch) Sent() int {
	return e.sent
}

// Pending returns the number of buffered documents.
func (e *Elasticsearch) Pending() int {
	return len(e.pending)
}

// Send buffers doc and writes the batch once it is full.
func (e *Elasticsearch) Send(ctx context.Context, doc *Document) error {
	line, err := e.encode(doc)
	if err != nil {
		return err
	}
	e.pending = append(e.pending, bulkAction{id: doc.ID, line: line})
	if len(e.pending) < e.batch {
		return nil
	}
	return e.Flush(ctx)
}

func (e *Elasticsearch) encode(doc *Document) ([]byte, error) {
	meta := map[string]map[string]string{
		"create": {"_index": e.index, "_id": doc.ID},
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode bulk meta %s: %w", doc.ID, err)
	}
	if err := enc.Encode(doc.body(&e.stream)); err != nil {
		return nil, fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	return buf.Bytes(), nil
}

// Flush writes every buffered document. Transport failures, throttling and
// server errors are retried; items rejected for any other reason are
// returned as ErrBulkRejected and are not retried. The buffer is empty
// after Flush returns.
func (e *Elasticsearch) Flush(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	log := logctx.FromContext(ctx)
	start := time.Now()
	total := len(e.pending)
	defer func() { e.pending = e.pending[:0] }()

	var rejected *multierror.Error
	op := func() error {
		res, err := e.bulk(ctx, e.pending)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		if res.rejected != nil {
			rejected = multierror.Append(rejected, res.rejected)
		}
		e.pending = res.retry
		if len(res.retry) > 0 {
			return fmt.Errorf("%d bulk items throttled", len(res.retry))
		}
		return nil
	}
	notify := func(err error, delay time.Duration) {
		e.metrics.BulkRetry()
		log.Warn().Err(err).Dur("delay", delay).Int("pending", len(e.pending)).Msg("bulk request failed; retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(e.backoff(), ctx), notify); err != nil {
		return fmt.Errorf("bulk write to %s: %w", e.index, err)
	}

	log.Debug().
		Str("index", e.index).
		Int("actions", total).
		Dur("elapsed", time.Since(start)).
		Msg("bulk flushed")
	return rejected.ErrorOrNil()
}

type bulkResponse struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]bulkItemResp `json:"items"`
}

type bulkItemResp struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type bulkResult struct {
	retry    []bulkAction
	rejected error
}

// bulk sends one request. An error means the whole request failed.
func (e *Elasticsearch) bulk(ctx context.Context, actions []bulkAction) (bulkResult, error) {
	var body bytes.Buffer
	for _, a := range actions {
		body.Write(a.line)
	}

	res, err := e.client.Bulk(bytes.NewReader(body.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return bulkResult{}, fmt.Errorf("send bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		io.Copy(io.Discard, res.Body)
		return bulkResult{}, fmt.Errorf("bulk request: %s", res.Status())
	}
	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return bulkResult{}, backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrBulkRejected, res.Status(), bytes.TrimSpace(msg)))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return bulkResult{}, backoff.Permanent(fmt.Errorf("decode bulk response: %w", err))
	}
	if len(parsed.Items) != len(actions) {
		return bulkResult{}, backoff.Permanent(fmt.Errorf("bulk response has %d items for %d actions", len(parsed.Items), len(actions)))
	}

	var (
		out      bulkResult
		failures []string
		accepted int
	)
	for i, item := range parsed.Items {
		var r bulkItemResp
		for _, v := range item {
			r = v
		}
		switch {
		case r.Status >= 200 && r.Status < 300, r.Status == http.StatusConflict:
			accepted++
		case r.Status == http.StatusTooManyRequests || r.Status >= 500:
			out.retry = append(out.retry, actions[i])
		default:
			reason := "unknown"
			if r.Error != nil {
				reason = r.Error.Type
				failures = append(failures, fmt.Sprintf("%s: %s: %s", actions[i].id, r.Error.Type, r.Error.Reason))
			} else {
				failures = append(failures, fmt.Sprintf("%s: status %d", actions[i].id, r.Status))
			}
			e.metrics.BulkFailure(reason, 1)
		}
	}
	e.sent += accepted
	e.metrics.Sent("elasticsearch", accepted)

	if len(failures) > 0 {
		out.rejected = fmt.Errorf("%w: %d of %d: %s", ErrBulkRejected, len(failures), len(actions), failures[0])
	}
	return out, nil
}
