package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/config"
	"github.com/ghyeongl/lazytree/enlistment"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Works outside an enlistment too: user config, environment and defaults.
			enl, err := findEnlistment(cmd)
			if err != nil && !errors.Is(err, enlistment.ErrNotEnlistment) {
				return err
			}
			cfg, err := loadConfig(cmd, enl)
			if err != nil {
				return err
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}
}
