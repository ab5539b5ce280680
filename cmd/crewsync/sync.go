package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/crewdesk/crewsync/internal/app"
	"github.com/crewdesk/crewsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Show connectivity, pending operations and the last successful sync.

Records marked with * in listings have local changes that the remote store
has not confirmed yet.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		a.CheckConnectivity(ctx)
		status := a.Orchestrator.Status(ctx)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(status)
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewPrinter(cmd.OutOrStdout()).Status(status, time.Now()))
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Deliver pending operations now",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		forceSync(ctx, cmd, a)
	},
}

// forceSync probes connectivity and runs one drain pass.
func forceSync(ctx context.Context, cmd *cobra.Command, a *app.App) {
	out := cmd.OutOrStdout()
	if !a.CheckConnectivity(ctx) {
		fmt.Fprintf(out, "%s offline: changes stay queued until the remote store is reachable\n", renderWarn("⚠"))
		return
	}
	res, err := a.Orchestrator.ForceSync(ctx)
	if err != nil {
		fatal("sync failed: %v", err)
	}
	if res.Attempted == 0 {
		fmt.Fprintf(out, "%s nothing to sync\n", renderPass("✓"))
		return
	}
	fmt.Fprintf(out, "%s delivered %d of %d operations", renderPass("✓"), res.Succeeded, res.Attempted)
	if res.Dropped > 0 {
		fmt.Fprintf(out, ", %s", renderFail(fmt.Sprintf("%d dropped", res.Dropped)))
	}
	if res.Deferred > 0 {
		fmt.Fprintf(out, ", %d deferred", res.Deferred)
	}
	fmt.Fprintln(out)
}

var downloadCmd = &cobra.Command{
	Use:     "download",
	GroupID: "sync",
	Short:   "Replace the local working set with the remote store's contents",
	Long: `Download every collection from the remote store.

Records with unconfirmed local changes are kept; synced records that no
longer exist remotely are removed.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		if !a.CheckConnectivity(ctx) {
			fatal("remote store unreachable")
		}
		n, err := a.Orchestrator.DownloadAll(ctx)
		if err != nil {
			fatal("download failed: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s downloaded %d records\n", renderPass("✓"), n)
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "sync",
	Short:   "Delete every local record and pending operation",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete all local data?").
				Description("Pending operations that were never delivered are lost.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatal("%v", err)
			}
			if !confirmed {
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return
			}
		}

		a := openApp(ctx)
		defer a.Close()

		pending, _ := a.Queue.Count(ctx)
		if err := a.Orchestrator.ClearAll(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s local data cleared (%d pending operations discarded)\n", renderPass("✓"), pending)
	},
}

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	GroupID: "sync",
	Short:   "Repair stored documents and remove duplicate tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a := openApp(ctx)
		defer a.Close()

		// app.New runs the pass before anything else touches the store.
		report := a.Report
		fmt.Fprintln(cmd.OutOrStdout(), ui.NewPrinter(cmd.OutOrStdout()).Report(report))
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print status as JSON")
	clearCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(statusCmd, syncCmd, downloadCmd, clearCmd, reconcileCmd)
}
