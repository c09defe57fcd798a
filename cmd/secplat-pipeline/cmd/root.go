package cmd

import (
	"fmt"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/secplat/posture-pipeline/internal/config"
	"github.com/secplat/posture-pipeline/internal/log"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "secplat-pipeline",
	Short: "Event driven posture pipeline: deriver, correlator, notifier, scanner and job worker",
	// Loads the configuration and the logger before any sub command
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		conf, err = config.Parse(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to parse config %s: %w", cfgFile, err)
		}

		// Init logger
		err = log.Init(conf.Logs)
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}

		logger := log.Logger()

		// Dump generic information
		logger.V(1).Info("Starting secplat pipeline",
			"command", cmd.CommandPath(),
			"version", version.Info(),
			"buildContext", version.BuildContext(),
		)
		logger.V(2).Info("Using config", "config", fmt.Sprintf("%+v", conf))

		return nil
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file, environment variables prefixed with SECPLAT_ override it")
}
