package main

import (
	"context"

	"github.com/spf13/cobra"

	"fieldforce/internal/app"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/domain/merge"
)

func newAuditCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read merge audit records",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "mergectl", "User id the lookup runs as")

	show := &cobra.Command{
		Use:   "show <audit-id>",
		Short: "Print one audit record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctx = appctx.WithUser(ctx, operator(actor))
				rec, err := a.Merge.AuditRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}

	var entityType, entityID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the merges an entity took part in, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctx = appctx.WithUser(ctx, operator(actor))
				records, err := a.Merge.History(ctx, merge.EntityType(entityType), entityID, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	list.Flags().StringVar(&entityType, "type", "", "Entity type: customer, vendor or personnel")
	list.Flags().StringVar(&entityID, "id", "", "Entity id (as source or target)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	_ = list.MarkFlagRequired("type")
	_ = list.MarkFlagRequired("id")

	cmd.AddCommand(show, list)
	return cmd
}

func operator(userID string) *appctx.UserContext {
	return &appctx.UserContext{UserID: userID, Roles: []string{appctx.RoleAdmin}}
}
