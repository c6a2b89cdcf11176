package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"microlab/pkg/domain"
)

func TestExpvarMetricsRecorderAggregates(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if expvar.Get(rec.Name()) == nil {
		t.Fatalf("expected recorder published as %s", rec.Name())
	}
	ctx := context.Background()
	rec.Observe(ctx, "add_tickets", true, 2*time.Millisecond)
	rec.Observe(ctx, "add_tickets", false, 3*time.Millisecond)
	rec.Observe(ctx, "", true, time.Millisecond)

	snap := rec.Snapshot()
	if snap.DurationsMS["add_tickets"] != 5 {
		t.Fatalf("unexpected duration total %v", snap.DurationsMS)
	}
	if snap.Results["add_tickets"]["success"] != 1 || snap.Results["add_tickets"]["error"] != 1 {
		t.Fatalf("unexpected results %v", snap.Results)
	}
	if _, ok := snap.LastSeen["add_tickets"]; !ok || len(snap.Results) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if other := NewExpvarMetricsRecorder(""); other.Name() == rec.Name() {
		t.Fatalf("generated names must be unique")
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "clear_contacts")
	span.End(errors.New("disk full"))
	span.End(nil)

	entries := tracer.Entries()
	if len(entries) != 1 {
		t.Fatalf("span must end once, got %d entries", len(entries))
	}
	var line JSONTraceEntry
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode trace line: %v", err)
	}
	if line.Operation != "clear_contacts" || line.Status != "error" || line.Error != "disk full" {
		t.Fatalf("unexpected trace line %+v", line)
	}
}

func TestJSONTracerRetention(t *testing.T) {
	tracer := NewJSONTracer(nil)
	for i := 0; i < DefaultTraceRetention+10; i++ {
		_, span := tracer.Start(context.Background(), "snapshot_tickets")
		span.End(nil)
	}
	if got := len(tracer.Entries()); got != DefaultTraceRetention {
		t.Fatalf("expected %d retained spans, got %d", DefaultTraceRetention, got)
	}
}

func TestPrometheusRecorderCountsCollectionOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	c := newMemoryCollections(t, false, WithMetricsRecorder(rec))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Add(ctx, domain.CollectionInventory, domain.Document{}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	_ = c.Update(ctx, domain.CollectionInventory, "missing", domain.Document{})

	_, total := rec.Collectors()
	if got := testutil.ToFloat64(total.WithLabelValues("add_inventory", "success")); got != 3 {
		t.Fatalf("expected 3 successful adds, got %v", got)
	}
	if got := testutil.ToFloat64(total.WithLabelValues("update_inventory", "error")); got != 1 {
		t.Fatalf("expected 1 failed update, got %v", got)
	}
	if n := testutil.CollectAndCount(reg, "microlab_collections_operation_duration_seconds"); n != 2 {
		t.Fatalf("expected 2 latency series, got %d", n)
	}
}

func TestPrometheusRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	second.Observe(context.Background(), "set_settings", true, time.Millisecond)
	_, total := first.Collectors()
	if got := testutil.ToFloat64(total.WithLabelValues("set_settings", "success")); got != 1 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}
