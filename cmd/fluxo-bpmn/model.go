package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxo-bpmn/internal/iam"
	"github.com/petrijr/fluxo-bpmn/internal/persistence"
	"github.com/petrijr/fluxo-bpmn/internal/processmodel"
	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// The model commands operate on the database directly and therefore run with
// every claim.
func newModelCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage process models",
	}

	var overwrite bool
	deploy := &cobra.Command{
		Use:   "deploy <name> <file>",
		Short: "Store a BPMN document as the latest version of a process model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withModels(cmd, *cfgFile, func(svc *processmodel.Service) error {
				def, err := svc.Persist(cmd.Context(), api.AnonymousIdentity(), args[0], string(doc), overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", def.Name, def.Hash)
				return nil
			})
		},
	}
	deploy.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing model")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a process model with its correlations, flow node instances and external tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withModels(cmd, *cfgFile, func(svc *processmodel.Service) error {
				return svc.DeleteProcessModel(cmd.Context(), api.AnonymousIdentity(), args[0])
			})
		},
	}

	cmd.AddCommand(deploy, del)
	return cmd
}

func withModels(cmd *cobra.Command, cfgFile string, fn func(*processmodel.Service) error) error {
	e, err := loadEnv(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Sync() }()

	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(processmodel.NewService(persistence.FromStore(store), iam.AllowAll{}, e.logger))
}
