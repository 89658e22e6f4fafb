package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	envFile    string
)

func newRootCmd(version string, buildTime string, gitCommit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imagegen-broker",
		Short: "imagegen-broker is a credit-metered broker for AI image generation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.toml", "Path to the TOML config file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file applied before BROKER_* overrides")

	cmd.AddCommand(newVersionCmd(version, buildTime, gitCommit))
	cmd.AddCommand(newServeCmd(version, buildTime))
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newProfileCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newCreditsCmd())
	return cmd
}

func Execute(version string, buildTime string, gitCommit string) error {
	if err := newRootCmd(version, buildTime, gitCommit).Execute(); err != nil {
		return fmt.Errorf("error executing root command: %w", err)
	}

	return nil
}
