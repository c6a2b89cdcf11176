package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"microlab/internal/backup"
	"microlab/internal/blob"
	"microlab/pkg/domain"
)

func runBackup(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	fs := flag.NewFlagSet("backup "+args[0], flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	format := fs.String("format", a.cfg.Backup.Format, "collection file encoding: json|cbor")
	only := fs.StringSlice("only", nil, "restore only these collections")
	expiry := fs.Duration("expiry", blob.DefaultURLExpiry, "lifetime of a shared URL")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}
	rest := fs.Args()

	exp, err := a.exporter(ctx, backup.Format(*format))
	if err != nil {
		return err
	}
	switch args[0] {
	case "create":
		if len(rest) != 0 {
			return errUsage
		}
		m, err := exp.Export(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.stdout, "backup %s created (%s, %d collections)\n", m.ID, m.Format, len(m.Collections))
		return nil
	case "list":
		if len(rest) != 0 {
			return errUsage
		}
		list, err := exp.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tCREATED\tFORMAT\tBACKEND\tDOCUMENTS")
		for _, m := range list {
			total := 0
			for _, ref := range m.Collections {
				total += ref.Documents
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", m.ID, m.CreatedAt.Format(time.RFC3339), m.Format, m.Backend, total)
		}
		return tw.Flush()
	case "restore":
		if len(rest) != 1 {
			return errUsage
		}
		names := make([]domain.Collection, 0, len(*only))
		for _, s := range *only {
			name, err := parseCollection(s)
			if err != nil {
				return err
			}
			names = append(names, name)
		}
		m, err := exp.Restore(ctx, rest[0], names...)
		if err != nil {
			return err
		}
		for _, ref := range m.Collections {
			_, _ = fmt.Fprintf(a.stdout, "restored %s (%d documents)\n", ref.Name, ref.Documents)
		}
		return nil
	case "share":
		if len(rest) != 2 {
			return errUsage
		}
		name, err := parseCollection(rest[1])
		if err != nil {
			return err
		}
		url, err := exp.ShareURL(ctx, rest[0], name, *expiry)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(a.stdout, url)
		return nil
	default:
		return errUsage
	}
}

func (a *app) exporter(ctx context.Context, format backup.Format) (*backup.Exporter, error) {
	store, err := blob.Open(ctx, blob.ConfigFromBackup(a.cfg.Backup, a.cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("backup store: %w", err)
	}
	c, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	return backup.NewExporter(c, store, backup.WithFormat(format), backup.WithLogger(a.logger))
}
