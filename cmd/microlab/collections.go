package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"microlab/pkg/domain"
)

func runStatus(ctx context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	_, _ = fmt.Fprintf(a.stdout, "data dir: %s\n", a.cfg.DataDir)
	c, err := a.open(ctx)
	_, _ = fmt.Fprintf(a.stdout, "state: %s\n", a.selector.State())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "backend: %s\n", c.Store().Driver())
	for _, name := range c.Collections() {
		docs, err := c.Snapshot(ctx, name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.stdout, "%s: %d\n", name, len(docs))
	}
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	docs, err := c.Snapshot(ctx, name)
	if err != nil {
		return err
	}
	return writeJSON(a.stdout, docs)
}

func runAdd(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	doc, err := readDocument(args[1])
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	res, err := c.Add(ctx, name, doc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.stdout, res.ID)
	return nil
}

func runSet(ctx context.Context, a *app, args []string) error {
	return withDocument(ctx, a, args, func(ctx context.Context, name domain.Collection, id string, doc domain.Document) error {
		c, err := a.open(ctx)
		if err != nil {
			return err
		}
		return c.Set(ctx, name, id, doc)
	})
}

func runUpdate(ctx context.Context, a *app, args []string) error {
	return withDocument(ctx, a, args, func(ctx context.Context, name domain.Collection, id string, doc domain.Document) error {
		c, err := a.open(ctx)
		if err != nil {
			return err
		}
		return c.Update(ctx, name, id, doc)
	})
}

func withDocument(ctx context.Context, a *app, args []string, fn func(context.Context, domain.Collection, string, domain.Document) error) error {
	if len(args) != 3 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	doc, err := readDocument(args[2])
	if err != nil {
		return err
	}
	if err := fn(ctx, name, args[1], doc); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.stdout, args[1])
	return nil
}

func runDelete(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	return c.Delete(ctx, name, args[1])
}

func runClear(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	return c.Clear(ctx, name)
}

func runImport(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	raw, err := readSource(args[1])
	if err != nil {
		return err
	}
	var docs []domain.Document
	if err := json.Unmarshal(jsonc.ToJSON(raw), &docs); err != nil {
		return fmt.Errorf("import %s: expected a JSON array of objects: %w", args[1], err)
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	if err := c.ImportBatch(ctx, name, docs); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "imported %d documents into %s\n", len(docs), name)
	return nil
}

func runRefresh(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	name, err := parseCollection(args[0])
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	return c.Refresh(ctx, name)
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	count := fs.Int("count", 0, "exit after this many snapshots (0 watches until interrupted)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		return errUsage
	}
	name, err := parseCollection(fs.Arg(0))
	if err != nil {
		return err
	}
	c, err := a.open(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	snapshots := make(chan []domain.Document)
	unsubscribe := c.Subscribe(ctx, name, func(docs []domain.Document) {
		select {
		case snapshots <- docs:
		case <-ctx.Done():
		}
	})
	// cancel first so a delivery blocked on snapshots returns
	defer func() {
		cancel()
		unsubscribe()
	}()

	enc := json.NewEncoder(a.stdout)
	for seen := 0; *count == 0 || seen < *count; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case docs := <-snapshots:
			if err := enc.Encode(map[string]any{"collection": name, "documents": docs}); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseCollection(s string) (domain.Collection, error) {
	name := domain.Collection(strings.TrimSpace(s))
	if err := name.Validate(); err != nil {
		return "", err
	}
	return name, nil
}

// readDocument parses an inline JSON object or, with a leading @, the file it
// names.
func readDocument(arg string) (domain.Document, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if raw, err = readSource(path); err != nil {
			return nil, err
		}
	}
	var doc domain.Document
	if err := json.Unmarshal(jsonc.ToJSON(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", domain.ErrInvalidDocument)
	}
	return doc, nil
}

// readSource reads path, or stdin for "-".
func readSource(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path) // #nosec G304: operator supplied path
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
