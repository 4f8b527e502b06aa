package shipper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eunmann/s3-log-forwarder/pkg/metrics"
)

type bulkRequest struct {
	actions []string
	ids     []string
	indexes []string
	docs    []map[string]any
}

// fakeCluster answers bulk requests. respond returns the HTTP status of a
// call and, for 200, the status of every item.
type fakeCluster struct {
	mu       sync.Mutex
	requests []bulkRequest
	respond  func(call int, req bulkRequest) (int, []int)
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path != "/_bulk" {
		http.NotFound(w, r)
		return
	}

	var req bulkRequest
	sc := bufio.NewScanner(r.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var meta map[string]map[string]string
		if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for action, m := range meta {
			req.actions = append(req.actions, action)
			req.ids = append(req.ids, m["_id"])
			req.indexes = append(req.indexes, m["_index"])
		}
		if !sc.Scan() {
			http.Error(w, "action without document", http.StatusBadRequest)
			return
		}
		var doc map[string]any
		if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.docs = append(req.docs, doc)
	}

	f.mu.Lock()
	call := len(f.requests)
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, items := http.StatusOK, []int(nil)
	if f.respond != nil {
		status, items = f.respond(call, req)
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":{"type":"test"}}`)
		return
	}

	type itemBody struct {
		ID     string            `json:"_id"`
		Status int               `json:"status"`
		Error  map[string]string `json:"error,omitempty"`
	}
	resp := struct {
		Errors bool                  `json:"errors"`
		Items  []map[string]itemBody `json:"items"`
	}{}
	for i, id := range req.ids {
		st := http.StatusCreated
		if items != nil {
			st = items[i]
		}
		item := itemBody{ID: id, Status: st}
		if st >= 300 {
			resp.Errors = true
			item.Error = map[string]string{"type": fmt.Sprintf("status_%d", st), "reason": "test"}
		}
		resp.Items = append(resp.Items, map[string]itemBody{"create": item})
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeCluster) calls() []bulkRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bulkRequest(nil), f.requests...)
}

func newTestES(t *testing.T, f *fakeCluster, batch int, opts ...ElasticsearchOption) *Elasticsearch {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	opts = append([]ElasticsearchOption{WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	})}, opts...)
	es, err := NewElasticsearch(ElasticsearchConfig{
		Addresses:       []string{srv.URL},
		DataStream:      DataStream{Dataset: "aws.vpcflow"},
		BatchMaxActions: batch,
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return es
}

func TestElasticsearch_BulkBody(t *testing.T) {
	f := &fakeCluster{}
	es := newTestES(t, f, 0)
	ctx := context.Background()

	if err := es.Send(ctx, testDoc(0, "one")); err != nil {
		t.Fatal(err)
	}
	if err := es.Send(ctx, testDoc(4, "two")); err != nil {
		t.Fatal(err)
	}
	if len(f.calls()) != 0 {
		t.Fatal("bulk request sent before the batch filled")
	}
	if err := es.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	calls := f.calls()
	if len(calls) != 1 {
		t.Fatalf("got %d bulk requests, want 1", len(calls))
	}
	req := calls[0]
	if diff := cmp.Diff([]string{"create", "create"}, req.actions); diff != "" {
		t.Errorf("actions (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"f9ce5de48b-000000000000", "f9ce5de48b-000000000004"}, req.ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if req.indexes[0] != "logs-aws.vpcflow-default" {
		t.Errorf("index = %s", req.indexes[0])
	}
	if req.docs[1]["message"] != "two" {
		t.Errorf("doc = %v", req.docs[1])
	}
	if es.Sent() != 2 || es.Pending() != 0 {
		t.Errorf("sent %d pending %d", es.Sent(), es.Pending())
	}

	if err := es.Flush(ctx); err != nil || len(f.calls()) != 1 {
		t.Errorf("empty flush sent a request: %v", err)
	}
}

func TestElasticsearch_BatchThreshold(t *testing.T) {
	f := &fakeCluster{}
	es := newTestES(t, f, 3)
	ctx := context.Background()
	for i := range 7 {
		if err := es.Send(ctx, testDoc(int64(i), "m")); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(f.calls()); got != 2 {
		t.Fatalf("got %d requests after 7 sends with batch 3, want 2", got)
	}
	if err := es.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	calls := f.calls()
	if len(calls) != 3 || len(calls[2].ids) != 1 {
		t.Errorf("final flush: %d requests", len(calls))
	}
}

func TestElasticsearch_ConflictIsSuccess(t *testing.T) {
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		return http.StatusOK, []int{http.StatusConflict, http.StatusCreated}
	}}
	es := newTestES(t, f, 0)
	ctx := context.Background()
	es.Send(ctx, testDoc(0, "dup"))
	es.Send(ctx, testDoc(4, "new"))
	if err := es.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if es.Sent() != 2 {
		t.Errorf("Sent = %d, want 2", es.Sent())
	}
}

func TestElasticsearch_RetriesThrottledItems(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		if call == 0 {
			return http.StatusOK, []int{http.StatusCreated, http.StatusTooManyRequests, http.StatusServiceUnavailable}
		}
		return http.StatusOK, nil
	}}
	es := newTestES(t, f, 0, WithMetrics(m))
	ctx := context.Background()
	for i := range 3 {
		es.Send(ctx, testDoc(int64(i), "m"))
	}
	if err := es.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	calls := f.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d requests, want 2", len(calls))
	}
	want := []string{ID(testObject.BucketARN, testObject.Key, 1), ID(testObject.BucketARN, testObject.Key, 2)}
	if diff := cmp.Diff(want, calls[1].ids); diff != "" {
		t.Errorf("retried ids (-want +got):\n%s", diff)
	}
	if es.Sent() != 3 {
		t.Errorf("Sent = %d, want 3", es.Sent())
	}
	if n, err := testutil.GatherAndCount(reg, "s3logfwd_bulk_retries_total"); err != nil || n != 1 {
		t.Errorf("retry series = %d, %v", n, err)
	}
}

func TestElasticsearch_RetriesServerErrors(t *testing.T) {
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		if call < 2 {
			return http.StatusBadGateway, nil
		}
		return http.StatusOK, nil
	}}
	es := newTestES(t, f, 0)
	es.Send(context.Background(), testDoc(0, "m"))
	if err := es.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(f.calls()) != 3 {
		t.Errorf("got %d requests, want 3", len(f.calls()))
	}
}

func TestElasticsearch_GivesUp(t *testing.T) {
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		return http.StatusServiceUnavailable, nil
	}}
	es := newTestES(t, f, 0)
	es.Send(context.Background(), testDoc(0, "m"))
	if err := es.Flush(context.Background()); err == nil {
		t.Fatal("Flush succeeded against a failing cluster")
	}
	if len(f.calls()) != 4 {
		t.Errorf("got %d requests, want 4", len(f.calls()))
	}
	if es.Pending() != 0 {
		t.Errorf("Pending = %d after a failed flush", es.Pending())
	}
}

func TestElasticsearch_RejectedItems(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		return http.StatusOK, []int{http.StatusCreated, http.StatusBadRequest}
	}}
	es := newTestES(t, f, 0, WithMetrics(m))
	es.Send(context.Background(), testDoc(0, "ok"))
	es.Send(context.Background(), testDoc(3, "bad"))

	err := es.Flush(context.Background())
	if !errors.Is(err, ErrBulkRejected) {
		t.Fatalf("Flush = %v, want ErrBulkRejected", err)
	}
	if len(f.calls()) != 1 {
		t.Errorf("rejected items were retried: %d requests", len(f.calls()))
	}
	if !strings.Contains(err.Error(), "status_400") {
		t.Errorf("error lacks the item reason: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg, "s3logfwd_bulk_failures_total"); err != nil || n != 1 {
		t.Errorf("failure series = %d, %v", n, err)
	}
}

func TestElasticsearch_BadRequestIsPermanent(t *testing.T) {
	f := &fakeCluster{respond: func(call int, req bulkRequest) (int, []int) {
		return http.StatusUnauthorized, nil
	}}
	es := newTestES(t, f, 0)
	es.Send(context.Background(), testDoc(0, "m"))
	if err := es.Flush(context.Background()); !errors.Is(err, ErrBulkRejected) {
		t.Fatalf("Flush = %v, want ErrBulkRejected", err)
	}
	if len(f.calls()) != 1 {
		t.Errorf("got %d requests, want 1", len(f.calls()))
	}
}

func TestNewElasticsearch_Config(t *testing.T) {
	if _, err := NewElasticsearch(ElasticsearchConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("no address: %v", err)
	}
	es, err := NewElasticsearch(ElasticsearchConfig{Addresses: []string{"http://localhost:9200"}, Index: "custom"})
	if err != nil {
		t.Fatal(err)
	}
	if es.Index() != "custom" {
		t.Errorf("Index = %s", es.Index())
	}
	es, _ = NewElasticsearch(ElasticsearchConfig{Addresses: []string{"http://localhost:9200"}})
	if es.Index() != "logs-generic-default" {
		t.Errorf("default Index = %s", es.Index())
	}
}
