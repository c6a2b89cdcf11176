package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"microlab/internal/infra/persistence/memory"
	"microlab/pkg/domain"
)

const waitTimeout = 2 * time.Second

// snapshotRecorder collects delivered snapshots in order.
type snapshotRecorder struct {
	mu  sync.Mutex
	got [][]domain.Document
	ch  chan []domain.Document
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{ch: make(chan []domain.Document, 256)}
}

func (r *snapshotRecorder) callback(docs []domain.Document) {
	r.mu.Lock()
	r.got = append(r.got, docs)
	r.mu.Unlock()
	r.ch <- docs
}

func (r *snapshotRecorder) next(t *testing.T) []domain.Document {
	t.Helper()
	select {
	case docs := <-r.ch:
		return docs
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for snapshot")
		return nil
	}
}

func (r *snapshotRecorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case docs := <-r.ch:
		t.Fatalf("unexpected snapshot %#v", docs)
	case <-time.After(within):
	}
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type captureLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *captureLogger) Debug(string, ...any) {}
func (l *captureLogger) Info(string, ...any)  {}
func (l *captureLogger) Warn(string, ...any)  {}
func (l *captureLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *captureLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func newMemoryCollections(t *testing.T, createMissing bool, opts ...Option) *Collections {
	t.Helper()
	store := memory.NewStoreWithOptions(memory.Options{CreateOnMissingUpdate: createMissing})
	c := NewCollections(store, opts...)
	t.Cleanup(c.Close)
	return c
}

func findDoc(docs []domain.Document, id string) (domain.Document, bool) {
	for _, doc := range docs {
		if doc[domain.IDField] == id {
			return doc, true
		}
	}
	return nil, false
}
