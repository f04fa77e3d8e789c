package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldforce/internal/app"
)

func newRolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage database role grants used when MERGE_AUTHZ_SOURCE=database",
	}

	grant := &cobra.Command{
		Use:   "grant <user-id> <role>",
		Short: "Grant a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Roles.Grant(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", args[1], args[0])
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print the roles of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				roles, err := a.Roles.RolesOf(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(roles, "\n"))
				return nil
			})
		},
	}

	cmd.AddCommand(grant, show)
	return cmd
}
