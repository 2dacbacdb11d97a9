package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldops/internal/app"
	apperrors "github.com/kimhsiao/fieldops/internal/errors"
	"github.com/kimhsiao/fieldops/internal/models"
	"github.com/kimhsiao/fieldops/internal/sync/queue"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Client.SyncNow(cmd.Context())
			if apperrors.Is(err, apperrors.ErrSyncOffline) {
				n, _ := a.Client.PendingCount(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%s backend unreachable, %d change(s) waiting\n", color.YellowString("offline:"), n)
				return err
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result.Confirmed, result.Failed, result.Blocked, result.Remaining, result.Halted)
			return nil
		},
	}
}

func printResult(w io.Writer, confirmed, failed, blocked, remaining int, halted bool) {
	fmt.Fprintf(w, "%s %d  %s %d  %s %d  remaining %d\n",
		color.GreenString("confirmed"), confirmed,
		color.RedString("failed"), failed,
		color.YellowString("blocked"), blocked,
		remaining)
	if halted {
		fmt.Fprintln(w, color.YellowString("pass halted on a transient failure; it resumes when the backend recovers"))
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, storage and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatus(cmd, a)
		},
	}
}

func printStatus(cmd *cobra.Command, a *app.App) error {
	w := cmd.OutOrStdout()

	online := color.RedString("offline")
	if a.Client.Online() {
		online = color.GreenString("online")
	}
	fmt.Fprintf(w, "Backend:  %s\n", online)

	if !a.Client.StorageAvailable() {
		fmt.Fprintf(w, "Storage:  %s (changes cannot be queued)\n", color.RedString("unavailable"))
		return nil
	}
	fmt.Fprintf(w, "Storage:  %s\n", a.Config.DataDir)

	stats, err := a.Client.QueueStats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Queue:    %d total, %d pending, %s, %s\n",
		stats.Total, stats.Pending,
		colorCount(stats.Failed, "failed", color.FgRed),
		colorCount(stats.Blocked, "blocked", color.FgYellow))

	if last := a.Engine.LastSync(); last != nil {
		fmt.Fprintf(w, "Last sync: %s\n", last.Local().Format(time.DateTime))
	}

	conflicts, err := a.Client.Conflicts(cmd.Context())
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		fmt.Fprintf(w, "Conflicts: %s\n", color.YellowString("%d", len(conflicts)))
	}
	return nil
}

func colorCount(n int, label string, attr color.Attribute) string {
	s := fmt.Sprintf("%d %s", n, label)
	if n == 0 {
		return s
	}
	return color.New(attr).Sprint(s)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued changes",
	}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueRetryCmd())
	cmd.AddCommand(queueDiscardCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued changes in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			actions, err := a.Client.PendingActions(cmd.Context())
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No queued changes.")
				return nil
			}
			printActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
}

func printActions(out io.Writer, actions []*queue.Action) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tRECORD\tSTATE\tATTEMPTS\tQUEUED\tERROR")
	for _, a := range actions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.Type, a.Payload.RecordID, stateLabel(a.State), a.Attempts,
			a.CreatedAt.Local().Format(time.DateTime), a.LastError)
	}
	w.Flush()
}

func stateLabel(s models.ActionState) string {
	switch s {
	case models.ActionStateFailed:
		return color.RedString(string(s))
	case models.ActionStateBlocked:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed and blocked changes for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Client.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d change(s) reset\n", n)
			return nil
		},
	}
}

func queueDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop one queued change permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrValidation, "invalid action id", err)
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Client.DiscardAction(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %d\n", id)
			return nil
		},
	}
}
