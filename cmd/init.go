package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/enlistment"
	"github.com/ghyeongl/lazytree/metadata"
	"github.com/ghyeongl/lazytree/upgrade"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <root>",
		Short: "Create a new enlistment at the current disk layout version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cacheRoot := mustString(flags, "cache-root")
			objects := mustString(flags, "objects-root")
			if objects == "" {
				objects = filepath.Join(cacheRoot, "gitObjects")
			}
			sizes := mustString(flags, "sizes-root")
			if sizes == "" {
				sizes = filepath.Join(cacheRoot, "blobSizes")
			}

			enl, err := enlistment.New(args[0])
			if err != nil {
				return err
			}
			for _, dir := range []string{enl.WorkingDirectory, enl.DatabasesDir(), enl.LogsDir()} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			version := upgrade.ForPlatform(runtime.GOOS).Version()
			_, err = metadata.Create(afero.NewOsFs(), enl.RepoMetadataPath(), metadata.Values{
				DiskLayoutMajor: version.CurrentMajor,
				DiskLayoutMinor: version.CurrentMinor,
				LocalCacheRoot:  cacheRoot,
				GitObjectsRoot:  objects,
				BlobSizesRoot:   sizes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized enlistment at %s (disk layout %s)\n", enl.Root, version.Current())
			return nil
		},
	}
	cmd.Flags().String("cache-root", "", "shared local object cache")
	cmd.Flags().String("objects-root", "", "git objects directory (default: <cache-root>/gitObjects)")
	cmd.Flags().String("sizes-root", "", "blob sizes directory (default: <cache-root>/blobSizes)")
	cmd.MarkFlagRequired("cache-root") //nolint:errcheck
	return cmd
}
