// Command microlab operates the field-service logbook data layer from the
// shell: it reads and mutates collections, watches them for changes, manages
// the remote backend configuration and writes or restores backups.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"microlab/internal/config"
	"microlab/internal/core"
)

var exitFunc = os.Exit

// errUsage makes cli exit with status 2.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"status":  {"status", "show the active backend and collection sizes", runStatus},
	"list":    {"list <collection>", "print every document of a collection", runList},
	"add":     {"add <collection> <json|@file>", "add a document, generating an id when missing", runAdd},
	"set":     {"set <collection> <id> <json|@file>", "replace the document stored under id", runSet},
	"update":  {"update <collection> <id> <json|@file>", "merge fields into the document stored under id", runUpdate},
	"delete":  {"delete <collection> <id>", "delete a document", runDelete},
	"clear":   {"clear <collection>", "delete every document of a collection", runClear},
	"import":  {"import <collection> <file|->", "import a JSON array of documents in one batch", runImport},
	"refresh": {"refresh <collection>", "re-pull a collection from the remote backend", runRefresh},
	"watch":   {"watch <collection> [--count n]", "print a snapshot after every change", runWatch},
	"remote":  {"remote show|set <file|->|reset", "manage the remote backend configuration", runRemote},
	"backup":  {"backup create|list|restore|share", "write, list, restore or share backups", runBackup},
	"metrics": {"metrics [--addr host:port]", "serve collection metrics over HTTP", runMetrics},
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("microlab", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.Usage = func() { printUsage(stderr, fs) }
	var (
		configPath = fs.String("config", "", "configuration file (default <data-dir>/config.yaml)")
		dataDir    = fs.String("data-dir", "", "data directory (default $MICROLAB_DATA_DIR or the user config dir)")
		driver     = fs.String("driver", "", "force the storage driver: memory|sqlite|postgres")
		logLevel   = fs.String("log-level", "", "debug|info|warn|error")
		logFormat  = fs.String("log-format", "", "auto|text|json")
		tracePath  = fs.String("trace", "", "append JSON trace lines of collection operations to this file")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		printUsage(stderr, fs)
		return 2
	}

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *driver != "" {
		cfg.Storage.Driver = *driver
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	a, err := newApp(cfg, *tracePath, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "microlab: %v\n", err)
		return 1
	}
	defer a.close()

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if errors.Is(err, errUsage) {
			_, _ = fmt.Fprintf(stderr, "usage: microlab %s\n", cmd.usage)
			return 2
		}
		a.logger.Debug("command failed", "command", rest[0], "error", err)
		_, _ = fmt.Fprintf(stderr, "microlab %s: %v\n", rest[0], err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("usage: microlab [flags] <command> [args]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-42s %s\n", commands[name].usage, commands[name].summary)
	}
	b.WriteString("\nflags:\n")
	b.WriteString(fs.FlagUsages())
	_, _ = io.WriteString(w, b.String())
}

// app carries the per-invocation wiring shared by the commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	selector *core.Selector
	metrics  metricsExporter
	stdout   io.Writer
	stderr   io.Writer
	closers  []func() error
}

func newApp(cfg config.Config, tracePath string, stdout, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}
	a.logger = newLogger(cfg.Log, stderr)

	m, err := newMetricsExporter(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	a.metrics = m
	opts := []core.Option{core.WithMetricsRecorder(m.recorder)}
	if tracePath != "" {
		f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}
	a.selector = core.NewSelector(core.SelectorConfigFrom(cfg, a.logger, opts...))
	return a, nil
}

// open resolves the backend and returns the collection API.
func (a *app) open(ctx context.Context) (*core.Collections, error) {
	c, err := a.selector.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", a.selector.State(), err)
	}
	return c, nil
}

func (a *app) close() {
	if err := a.selector.Close(); err != nil {
		a.logger.Warn("close backend", "error", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// newLogger builds the process logger. The auto format picks a text handler
// when w is a terminal and JSON otherwise.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := w.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
