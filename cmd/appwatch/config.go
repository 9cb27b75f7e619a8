package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch/internal/appconfig"
	"pkt.systems/pslog"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var cfgPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(cfgPath, force)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config written", "path", path)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: ~/.appwatch/config.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// loadConfig loads .env files and then the config. Variables already in the
// environment win over .env values.
func loadConfig(cmd *cobra.Command, cfgPath string, envFiles []string) (appconfig.Config, error) {
	logger := pslog.Ctx(cmd.Context())
	loaded, err := appconfig.LoadDotEnv(envFiles...)
	if err != nil {
		return appconfig.Config{}, err
	}
	for _, path := range loaded {
		logger.Debug("env file loaded", "path", path)
	}
	return appconfig.Load(cfgPath)
}
