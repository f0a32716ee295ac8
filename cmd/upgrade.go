package cmd

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/filelock"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/upgrade"
)

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the enlistment's on-disk layout",
		Long: "Upgrade applies every pending disk layout step. Mount does the same on startup; " +
			"this command lets an unmounted enlistment be upgraded, or checked with --check.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enl, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fs := afero.NewOsFs()

			md, err := metadata.Load(fs, enl.RepoMetadataPath())
			if err != nil {
				return err
			}
			layout := upgrade.ForPlatform(runtime.GOOS)
			pipeline := upgrade.NewPipeline(layout, upgrade.Env{
				Fs:                    fs,
				Metadata:              md,
				LegacyPlaceholderList: enl.LegacyPlaceholderListPath(),
				Database: database.Config{
					Path:               enl.PlaceholderDatabasePath(),
					InitialConnections: cfg.Database.InitialConnections,
					ConnectionWait:     cfg.Database.ConnectionWait,
					BusyTimeout:        cfg.Database.BusyTimeout,
				},
			})

			persisted, err := pipeline.Persisted()
			if err != nil {
				return err
			}
			pending, err := pipeline.Pending()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Disk layout %s on %s, current is %s\n", persisted, layout.Name(), layout.Version().Current())
			if len(pending) == 0 {
				fmt.Fprintln(out, "Up to date")
				return nil
			}
			for _, step := range pending {
				fmt.Fprintf(out, "  %s: %s -> %s\n", step.Name(), step.From(), step.To())
			}
			if mustBool(cmd.Flags(), "check") {
				return nil
			}

			// A live mount owns the database; refuse to race it.
			lock, err := filelock.TryLock(enl.MountLockPath())
			if errors.Is(err, filelock.ErrLocked) {
				return fmt.Errorf("%s is mounted; unmount before upgrading", enl.Root)
			}
			if err != nil {
				return err
			}
			defer lock.Unlock() //nolint:errcheck

			applied, err := pipeline.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Applied %d step(s)\n", applied)
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "list pending steps without applying them")
	return cmd
}
