package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/ghyeongl/lazytree/database"
	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/placeholders"
)

// sqlitePlaceholders moves the flat-file placeholder list into the
// Placeholder table.
type sqlitePlaceholders struct{}

func (sqlitePlaceholders) Name() string        { return "SqlitePlaceholders" }
func (sqlitePlaceholders) From() LayoutVersion { return LayoutVersion{Major: 18} }
func (sqlitePlaceholders) To() LayoutVersion   { return LayoutVersion{Major: 19} }

func (s sqlitePlaceholders) Apply(ctx context.Context, env Env) error {
	l := logging.Sub("upgrade")

	exists, err := afero.Exists(env.Fs, env.LegacyPlaceholderList)
	if err != nil {
		return fmt.Errorf("stat legacy placeholder list: %w", err)
	}
	if !exists {
		// Either a fresh layout or a crash after the list was removed.
		l.Info("no legacy placeholder list, bumping version", "path", env.LegacyPlaceholderList)
		return bump(env, s.To())
	}

	entries, err := placeholders.ReadLegacyList(env.Fs, env.LegacyPlaceholderList)
	if err != nil {
		return err
	}

	pool, err := database.Open(env.Database)
	if err != nil {
		return err
	}
	table := placeholders.NewTable(pool)
	err = migrate(ctx, table, entries)
	if cerr := pool.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close placeholder database: %w", cerr)
	}
	if err != nil {
		return err
	}
	l.Info("migrated legacy placeholders", "count", len(entries))

	if err := env.Fs.Remove(env.LegacyPlaceholderList); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove legacy placeholder list: %w", err)
	}
	return bump(env, s.To())
}

func migrate(ctx context.Context, table *placeholders.Table, entries []placeholders.Entry) error {
	for _, e := range entries {
		var err error
		switch e.Kind {
		case placeholders.File:
			err = table.AddFile(ctx, e.Path, e.ContentID)
		case placeholders.PartialFolder:
			err = table.AddPartialFolder(ctx, e.Path)
		case placeholders.FullFolder:
			err = table.AddFullFolder(ctx, e.Path)
		case placeholders.TombstoneFolder, placeholders.TombstoneFile:
			err = table.AddTombstone(ctx, e.Path, e.Kind == placeholders.TombstoneFolder)
		default:
			err = fmt.Errorf("%w: %d", placeholders.ErrInvalidKind, int(e.Kind))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
