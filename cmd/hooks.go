package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/hooks"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Install or refresh the enlistment's git hooks",
	}
	cmd.PersistentFlags().String("hooks-dir", "", "directory holding the hook executables to install")
	cmd.AddCommand(
		newHooksActionCmd("install", "Install native hooks and write the command hook chains",
			func(cmd *cobra.Command, i *hooks.Installer) error { return i.Install(cmd.Context()) }),
		newHooksActionCmd("update", "Replace installed native hooks whose content changed",
			func(cmd *cobra.Command, i *hooks.Installer) error { return i.Update(cmd.Context()) }),
	)
	return cmd
}

func newHooksActionCmd(use, short string, action func(*cobra.Command, *hooks.Installer) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enl, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if cfg.Hooks.InstallDir == "" {
				return errors.New("hooks install directory not configured (set hooks.install_dir or --hooks-dir)")
			}
			installer := &hooks.Installer{
				Fs:         afero.NewOsFs(),
				InstallDir: cfg.Hooks.InstallDir,
				HooksDir:   enl.HooksDir(),
			}
			if err := action(cmd, installer); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hooks %s: done (%s)\n", use, enl.HooksDir())
			return nil
		},
	}
}
