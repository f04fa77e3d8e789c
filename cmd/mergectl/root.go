package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"fieldforce/internal/app"
	"fieldforce/internal/config"
	appctx "fieldforce/internal/core/context"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mergectl",
		Short:         "Operate the record merge service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newMergeCmd(),
		newAuditCmd(),
		newRolesCmd(),
		newTokenCmd(),
	)
	return root
}

// withApp loads configuration, connects and runs fn with a traced context.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := app.NewLogger(cfg, "mergectl")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext())

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
