package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"microlab/internal/config"
	"microlab/internal/core"
)

// metricsExporter pairs the recorder handed to the collection API with the
// HTTP handler exposing what it recorded.
type metricsExporter struct {
	recorder core.MetricsRecorder
	handler  http.Handler
	path     string
}

// expvar names are process global.
var expvarRecorder = sync.OnceValue(func() *core.ExpvarMetricsRecorder {
	return core.NewExpvarMetricsRecorder("microlab_collections")
})

func newMetricsExporter(cfg config.MetricsConfig) (metricsExporter, error) {
	switch cfg.Exporter {
	case "expvar":
		return metricsExporter{recorder: expvarRecorder(), handler: expvar.Handler(), path: "/debug/vars"}, nil
	case "", "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return metricsExporter{}, err
		}
		return metricsExporter{
			recorder: rec,
			handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			path:     "/metrics",
		}, nil
	default:
		return metricsExporter{}, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}
}

// runMetrics serves the metrics endpoint until ctx ends. The backend is opened
// first so that a refresh of every collection is recorded.
func runMetrics(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	addr := fs.String("addr", a.cfg.Metrics.Addr, "listen address")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return errUsage
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	for _, name := range c.Collections() {
		if err := c.Refresh(ctx, name); err != nil {
			a.logger.Warn("refresh failed", "collection", string(name), "error", err)
		}
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(a.metrics.path, a.metrics.handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	_, _ = fmt.Fprintf(a.stdout, "serving metrics on http://%s%s\n", ln.Addr(), a.metrics.path)
	a.logger.Info("metrics server listening", "addr", ln.Addr().String(), "path", a.metrics.path)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
