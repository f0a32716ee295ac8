package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/mount"
)

func newMountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the enlistment and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enl, cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			logging.Sub("cmd").Info("mounting", "enlistment", enl.Root, "watch", cfg.Mount.Watch)
			return mount.New(mount.Options{Enlistment: enl, Config: cfg}).Run(cmd.Context())
		},
	}
	cmd.Flags().Bool("unattended", false, "running without a user; lengthens mount waits")
	cmd.Flags().Bool("watch", false, "watch the working directory for changes")
	cmd.Flags().String("hooks-dir", "", "directory holding the hook executables to install")
	return cmd
}
