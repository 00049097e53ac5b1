package main

import (
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/healthchat/internal/config"
)

type rootFlags struct {
	envFile string
}

func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return config.Config{}, err
	}
	cfg.SetupLogging()
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "healthchat",
		Short: "Health conversation service",
		Long: `healthchat runs the health conversation API, the async turn worker
and the tooling around the model response grammar.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", "", "env file to load before reading the environment (default ./.env when present)")

	cmd.AddCommand(
		newServeCmd(f),
		newWorkerCmd(f),
		newMigrateCmd(f),
		newParseCmd(f),
	)
	return cmd
}
