package main

import (
	"context"
	"fmt"

	"microlab/internal/config"
)

func runRemote(_ context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "show":
		rc, ok, err := a.selector.RemoteConfig()
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(a.stdout, "no remote configuration saved")
			return nil
		}
		return writeJSON(a.stdout, rc.Redacted())
	case "set":
		if len(args) != 2 {
			return errUsage
		}
		raw, err := readSource(args[1])
		if err != nil {
			return err
		}
		rc, err := config.ParseRemoteConfig(raw)
		if err != nil {
			return err
		}
		if err := a.selector.SaveRemoteConfig(rc); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.stdout, "remote configuration for project %s saved; restart to apply\n", rc.ProjectID)
		return nil
	case "reset":
		if err := a.selector.ResetRemoteConfig(); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(a.stdout, "remote configuration removed; restart to apply")
		return nil
	default:
		return errUsage
	}
}
