package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/signoff/internal/definition"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate DIR...",
		Short: "Validate definition files",
		Long: `Loads every definition file under the given directories, checks entity
types and templates, and reports every problem found.

Examples:
  signoffctl validate ./definitions
  signoffctl validate /etc/signoff/sales /etc/signoff/property`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(args)
			if err != nil {
				return err
			}
			compiled, verrs := definition.Compile(defs)
			if len(verrs) > 0 {
				for _, ve := range verrs {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
				}
				return fmt.Errorf("%d definition problem(s)", len(verrs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d file(s), %d entity type(s), %d template(s) valid\n",
				len(defs), len(compiled.Tables), len(compiled.Templates))
			return nil
		},
	}
}
