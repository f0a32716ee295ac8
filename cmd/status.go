package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghyeongl/lazytree/background"
	"github.com/ghyeongl/lazytree/mount"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running mount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, enl, err := dialMount(cmd)
			if err != nil {
				return err
			}

			if mustBool(cmd.Flags(), "wait") {
				cfg, err := loadConfig(cmd, enl)
				if err != nil {
					return err
				}
				if err := client.WaitUntilMounted(cmd.Context(), cfg.Mount.EffectiveWaitTimeout()); err != nil {
					return err
				}
			}

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if mustBool(cmd.Flags(), "json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			if mustBool(cmd.Flags(), "follow") {
				return followEvents(cmd, client)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the raw status document")
	cmd.Flags().Bool("wait", false, "wait for the mount to become ready first")
	cmd.Flags().BoolP("follow", "f", false, "keep printing background queue events")
	return cmd
}

func printStatus(w io.Writer, st *mount.StatusResponse) {
	fmt.Fprintf(w, "Enlistment:      %s\n", st.Enlistment)
	fmt.Fprintf(w, "Mount:           %s (%s)\n", st.State, st.MountID)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:         %s\n", st.StartedAt.Format(time.RFC3339))
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:           %s\n", st.Error)
	}
	if st.LockStatus != "" {
		fmt.Fprintf(w, "Lock:            %s\n", st.LockStatus)
	}
	fmt.Fprintf(w, "Queued ops:      %d\n", st.QueueLen)
	fmt.Fprintf(w, "Modified paths:  %d\n", st.ModifiedPaths)
	if st.Worker != nil {
		fmt.Fprintf(w, "Worker:          applied=%d failures=%d lockDenials=%d\n",
			st.Worker.Applied, st.Worker.Failures, st.Worker.LockDenials)
		if st.Worker.LastError != "" {
			fmt.Fprintf(w, "Last op error:   %s\n", st.Worker.LastError)
		}
	}
	if st.LogDir != "" {
		fmt.Fprintf(w, "Logs:            %s\n", st.LogDir)
	}
	for _, e := range st.RecentErrors {
		fmt.Fprintf(w, "  %s [%s] %s %s\n", e.Time.Format(time.RFC3339), e.Comp, e.Message, e.Error)
	}
}

// followEvents prints queue events until the mount goes away or the user
// interrupts.
func followEvents(cmd *cobra.Command, client *mount.Client) error {
	stream, err := client.Events(cmd.Context())
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	go func() {
		<-cmd.Context().Done()
		stream.Close() //nolint:errcheck
	}()

	out := cmd.OutOrStdout()
	for {
		ev, err := stream.Next()
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			fmt.Fprintln(out, "event stream closed")
			return nil
		}
		printEvent(out, ev)
	}
}

func printEvent(w io.Writer, ev background.Event) {
	if ev.Type == background.EventDrained {
		fmt.Fprintf(w, "%s %-9s\n", time.Now().Format(time.TimeOnly), ev.Type)
		return
	}
	fmt.Fprintf(w, "%s %-9s %s (remaining %d)\n", time.Now().Format(time.TimeOnly), ev.Type, ev.Op, ev.Remaining)
}
