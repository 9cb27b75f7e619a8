package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/appwatch/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Describe()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s)\n", info.Module, info.Version, info.GoVersion, info.Platform)
			return err
		},
	}
}
