package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flynn/go-shlex"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/mount"
)

var errLockNotAcquired = errors.New("lock not acquired")

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or drive the git command lock of the running mount",
	}
	cmd.AddCommand(newLockStatusCmd(), newLockAcquireCmd(), newLockReleaseCmd())
	return cmd
}

func newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialMount(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if st.LockStatus == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Mount is %s\n", st.State)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.LockStatus)
			return nil
		},
	}
}

// parseCommand normalizes a command line into the single-spaced form the
// lock reports.
func parseCommand(command string) (string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return "", fmt.Errorf("parse --command: %w", err)
	}
	if len(args) == 0 {
		return "", errors.New("--command is empty")
	}
	return strings.Join(args, " "), nil
}

func newLockAcquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire the lock on behalf of a process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			client, enl, err := dialMount(cmd)
			if err != nil {
				return err
			}
			command, err := parseCommand(mustString(flags, "command"))
			if err != nil {
				return err
			}

			holder := gitlock.LockHolder{
				PID:                   mustInt(flags, "pid"),
				ParsedCommand:         command,
				CheckAvailabilityOnly: mustBool(flags, "check"),
				GitCommandSessionID:   mustString(flags, "session"),
			}
			if holder.PID == 0 {
				holder.PID = os.Getppid()
			}
			if holder.GitCommandSessionID == "" {
				holder.GitCommandSessionID = uuid.NewString()
			}

			var deadline time.Time
			if mustBool(flags, "wait") {
				cfg, err := loadConfig(cmd, enl)
				if err != nil {
					return err
				}
				deadline = time.Now().Add(cfg.Mount.EffectiveWaitTimeout())
			}

			out := cmd.OutOrStdout()
			lastMessage := ""
			for {
				resp, err := client.AcquireLock(cmd.Context(), holder)
				if err != nil {
					return err
				}
				switch resp.Result {
				case mount.ResultAccepted, mount.ResultAvailable:
					fmt.Fprintln(out, resp.Result)
					return nil
				}

				if deadline.IsZero() || time.Now().After(deadline) || resp.Result == mount.ResultUnavailable {
					fmt.Fprintf(out, "%s: %s\n", resp.Result, resp.Message)
					return errLockNotAcquired
				}
				if resp.Message != lastMessage {
					fmt.Fprintln(cmd.ErrOrStderr(), resp.Message)
					lastMessage = resp.Message
				}

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(client.PollInterval):
				}
			}
		},
	}
	cmd.Flags().Int("pid", 0, "process that will hold the lock (default: the parent process)")
	cmd.Flags().String("command", "git", "command line of the holder")
	cmd.Flags().String("session", "", "git command session id (default: a new UUID)")
	cmd.Flags().Bool("check", false, "only report whether the lock is available")
	cmd.Flags().Bool("wait", false, "retry until the lock is acquired or the mount wait timeout passes")
	return cmd
}

func newLockReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release the lock held by a process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialMount(cmd)
			if err != nil {
				return err
			}
			pid := mustInt(cmd.Flags(), "pid")
			if pid == 0 {
				pid = os.Getppid()
			}
			resp, err := client.ReleaseLock(cmd.Context(), pid)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Result)
			if resp.Result != mount.ResultSuccess {
				return fmt.Errorf("pid %d does not hold the lock", pid)
			}
			return nil
		},
	}
	cmd.Flags().Int("pid", 0, "process holding the lock (default: the parent process)")
	return cmd
}
