package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/signoff/internal/definition"
	"github.com/pitabwire/signoff/internal/guard"
	"github.com/pitabwire/signoff/internal/workflow"
	"github.com/pitabwire/signoff/model"
)

func newVerifyCmd() *cobra.Command {
	var (
		flags storeFlags
		dirs  []string
	)
	cmd := &cobra.Command{
		Use:   "verify ENTITY_TYPE ENTITY_ID",
		Short: "Verify the audit chain of one entity",
		Long: `Reads the entity's whole history and checks that sequences are contiguous
and that every record starts from the status the previous one ended in.

Example:
  signoffctl verify contract c-1042 --definitions ./definitions`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := definition.NewLoader().LoadAll(dirs)
			if err != nil {
				return err
			}
			compiled, verrs := definition.Compile(defs)
			if len(verrs) > 0 {
				return fmt.Errorf("definitions invalid: %v", verrs[0])
			}

			store, err := flags.open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			ref := model.EntityRef{Type: args[0], ID: args[1]}
			engine := workflow.NewEngine(store, guard.NewRegistry(compiled.Tables...), nil)
			if _, err := engine.SyncLifecycles(cmd.Context()); err != nil {
				return err
			}
			n, err := engine.VerifyHistory(cmd.Context(), ref)
			if err != nil {
				return fmt.Errorf("%s: %w", ref, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d record(s) verified\n", ref, n)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&dirs, "definitions", []string{"definitions"}, "definition directories")
	return cmd
}
