package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/placeholders"
)

func newPlaceholdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "placeholders [prefix]",
		Short: "List the placeholder table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enl, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			pool, err := database.Open(database.Config{
				Path:               enl.PlaceholderDatabasePath(),
				InitialConnections: 1,
				ConnectionWait:     cfg.Database.ConnectionWait,
				BusyTimeout:        cfg.Database.BusyTimeout,
			})
			if err != nil {
				return err
			}
			defer pool.Close() //nolint:errcheck

			entries, err := placeholders.NewTable(pool).GetAllEntries(cmd.Context())
			if err != nil {
				return err
			}

			prefix := ""
			if len(args) == 1 {
				prefix = placeholders.Key(args[0])
			}
			kind := mustString(cmd.Flags(), "kind")
			entries = filterEntries(entries, prefix, kind, mustBool(cmd.Flags(), "tombstones"))
			sortEntries(entries)

			out := cmd.OutOrStdout()
			if mustBool(cmd.Flags(), "json") {
				return json.NewEncoder(out).Encode(entries)
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%-16s %s %s\n", e.Kind, e.Path, e.ContentID)
			}
			return nil
		},
	}
	cmd.Flags().String("kind", "", "only entries of this kind (File, PartialFolder, FullFolder, TombstoneFolder, TombstoneFile)")
	cmd.Flags().Bool("tombstones", true, "include tombstones")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// filterEntries keeps entries under prefix (a Key) matching kind.
func filterEntries(entries []placeholders.Entry, prefix, kind string, tombstones bool) []placeholders.Entry {
	return lo.Filter(entries, func(e placeholders.Entry, _ int) bool {
		if !tombstones && e.Kind.IsTombstone() {
			return false
		}
		if kind != "" && !strings.EqualFold(e.Kind.String(), kind) {
			return false
		}
		if prefix == "" {
			return true
		}
		key := placeholders.Key(e.Path)
		return key == prefix || strings.HasPrefix(key, prefix+string(filepath.Separator))
	})
}

// sortEntries orders by path with digit runs compared numerically.
func sortEntries(entries []placeholders.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return natural.Less(entries[i].Path, entries[j].Path)
	})
}
