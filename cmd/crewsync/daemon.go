package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  - drains the sync queue whenever the remote store is reachable
  - applies changes pushed by the remote store's change feed
  - merges snapshots published by other crewsync processes on this device
  - serves the local dashboard (status, sync, download, websocket at /ws)

Example usage:
  crewsync daemon
  crewsync daemon --offline        # work locally, never contact the remote`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := loadConfig()
		port, _ := cmd.Flags().GetInt("port")
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = port
		}
		if noDash, _ := cmd.Flags().GetBool("no-dashboard"); noDash {
			cfg.Dashboard.Enabled = false
		}

		a := openAppWith(ctx, cfg)
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s crewsync daemon started (store %s)\n", renderPass("✓"), a.DB.Path())
		if cfg.Dashboard.Enabled {
			fmt.Fprintf(out, "   Dashboard: http://%s:%d/status\n", cfg.Dashboard.Host, cfg.Dashboard.Port)
		}
		if cfg.Sync.Offline {
			fmt.Fprintf(out, "%s offline mode: nothing will be sent to the remote store\n", renderWarn("⚠"))
		}
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		if err := a.Run(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintln(out, "\ncrewsync daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8788, "dashboard port")
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
