// Package cmd is the lazytree command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ghyeongl/lazytree/config"
	"github.com/ghyeongl/lazytree/enlistment"
	"github.com/ghyeongl/lazytree/logging"
	"github.com/ghyeongl/lazytree/mount"
)

// Execute runs the root command and exits non-zero on failure. SIGINT and
// SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "lazytree",
		Short:        "Placeholder projection and background operation engine for large Git repositories",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("enlistment", "e", ".", "enlistment root or any directory inside it")
	flags.StringP("config", "c", "", "config file (default: <enlistment>/.lazytree/config.yaml, then ~/.config/lazytree/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("console", false, "also log to the console")

	root.AddCommand(
		newInitCmd(),
		newMountCmd(),
		newStatusCmd(),
		newLockCmd(),
		newUpgradeCmd(),
		newHooksCmd(),
		newPlaceholdersCmd(),
		newConfigCmd(),
	)
	return root
}

func mustString(flags *pflag.FlagSet, name string) string {
	s, err := flags.GetString(name)
	if err != nil {
		panic(err)
	}
	return s
}

func mustBool(flags *pflag.FlagSet, name string) bool {
	b, err := flags.GetBool(name)
	if err != nil {
		panic(err)
	}
	return b
}

func mustInt(flags *pflag.FlagSet, name string) int {
	i, err := flags.GetInt(name)
	if err != nil {
		panic(err)
	}
	return i
}

// findEnlistment resolves --enlistment by walking up to the enclosing dot directory.
func findEnlistment(cmd *cobra.Command) (*enlistment.Enlistment, error) {
	return enlistment.FindRoot(mustString(cmd.Flags(), "enlistment"))
}

// loadConfig reads the effective configuration for enl. enl may be nil.
func loadConfig(cmd *cobra.Command, enl *enlistment.Enlistment) (*config.Config, error) {
	opts := config.LoadOptions{
		ConfigPath: mustString(cmd.Flags(), "config"),
		Flags:      cmd.Flags(),
	}
	if enl != nil {
		opts.DotRoot = enl.DotRoot
	}
	return config.Load(opts)
}

// setup resolves the enlistment and its configuration and initializes logging.
func setup(cmd *cobra.Command) (*enlistment.Enlistment, *config.Config, error) {
	enl, err := findEnlistment(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(cmd, enl)
	if err != nil {
		return nil, nil, err
	}
	initLogging(cfg, enl)
	return enl, cfg, nil
}

func initLogging(cfg *config.Config, enl *enlistment.Enlistment) {
	dir := cfg.Logging.Dir
	if dir == "" {
		dir = enl.LogsDir()
	}
	logging.Init(logging.Options{Dir: dir, Level: cfg.Logging.Level, Console: cfg.Logging.Console})
}

// dialMount returns a client for the enlistment's running mount.
func dialMount(cmd *cobra.Command) (*mount.Client, *enlistment.Enlistment, error) {
	enl, err := findEnlistment(cmd)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(enl.SocketPath()); errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%s is not mounted", enl.Root)
	}
	return mount.NewClient(enl.SocketPath()), enl, nil
}
