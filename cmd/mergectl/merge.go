package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"fieldforce/internal/app"
	appctx "fieldforce/internal/core/context"
	"fieldforce/internal/domain/merge"
)

type mergeFlags struct {
	entityType   string
	sourceID     string
	targetID     string
	fields       map[string]string
	keepSourceQB bool
	reason       string
	notes        string
	actor        string
	actorEmail   string
	preview      bool
}

func newMergeCmd() *cobra.Command {
	f := &mergeFlags{}
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a duplicate record into its survivor",
		Long: `Merge the source record into the target as a named administrator.

Dependent records are repointed to the target, the source is retired and an
audit record is written. Use --preview to see the result without writing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctx = appctx.WithUser(ctx, f.user())
				if f.preview {
					preview, err := a.Merge.Preview(ctx, req)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), preview)
				}
				result, err := a.Merge.Merge(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.entityType, "type", "", "Entity type: customer, vendor or personnel")
	flags.StringVar(&f.sourceID, "source", "", "Id of the record to retire")
	flags.StringVar(&f.targetID, "target", "", "Id of the surviving record")
	flags.StringToStringVar(&f.fields, "field", nil, "Field resolution, e.g. --field email=source (repeatable)")
	flags.BoolVar(&f.keepSourceQB, "keep-source-qb", false, "Move the source's QuickBooks id onto the target")
	flags.StringVar(&f.reason, "reason", "", "Merge reason stored on the retired record")
	flags.StringVar(&f.notes, "notes", "", "Free-form notes stored in the audit record")
	flags.StringVar(&f.actor, "actor", "", "User id recorded as the merging administrator")
	flags.StringVar(&f.actorEmail, "actor-email", "", "Contact recorded next to the actor")
	flags.BoolVar(&f.preview, "preview", false, "Show the merge result without writing")
	for _, name := range []string{"type", "source", "target", "actor"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// request converts flags into a merge.Request. Choices are validated by the service.
func (f *mergeFlags) request() (merge.Request, error) {
	req := merge.Request{
		EntityType: merge.EntityType(f.entityType),
		SourceID:   f.sourceID,
		TargetID:   f.targetID,
	}

	if len(f.fields) > 0 {
		req.FieldResolutions = make(map[string]merge.Choice, len(f.fields))
		for name, choice := range f.fields {
			if name == "" {
				return merge.Request{}, fmt.Errorf("--field needs a field name before '='")
			}
			req.FieldResolutions[name] = merge.Choice(choice)
		}
	}
	if f.keepSourceQB {
		req.ExternalResolution = &merge.ExternalResolution{KeepSourceQB: true}
	}
	if f.reason != "" {
		req.Reason = &f.reason
	}
	if f.notes != "" {
		req.Notes = &f.notes
	}
	return req, nil
}

// user is the operator identity. The service still runs its admin check,
// which consults user_roles when MERGE_AUTHZ_SOURCE=database.
func (f *mergeFlags) user() *appctx.UserContext {
	return &appctx.UserContext{
		UserID: f.actor,
		Email:  f.actorEmail,
		Roles:  []string{appctx.RoleAdmin},
	}
}
