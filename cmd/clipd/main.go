package main

import (
	"log"

	"github.com/spf13/cobra"

	"clip-orchestrator/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("clipd: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg         config.Config
		storeDriver string
	)
	root := &cobra.Command{
		Use:           "clipd",
		Short:         "Discovers, processes and uploads short-form clips under a daily upload quota",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg = config.Load()
			if storeDriver != "" {
				cfg.StoreDriver = storeDriver
			}
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVar(&storeDriver, "store", "", "override STORE_DRIVER (postgres, sqlite, memory)")

	root.AddCommand(runCmd(&cfg))
	root.AddCommand(submitCmd(&cfg))
	root.AddCommand(statusCmd(&cfg))
	root.AddCommand(migrateCmd(&cfg))
	return root
}
