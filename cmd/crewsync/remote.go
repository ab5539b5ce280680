package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewdesk/crewsync/internal/logging"
	"github.com/crewdesk/crewsync/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Development remote store",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory remote store over REST and websocket",
	Long: `Serve an in-memory remote store for local development.

Point remote.url at it and run the daemon:
  crewsync remote serve --port 8787 &
  CREWSYNC_REMOTE_URL=http://127.0.0.1:8787 crewsync daemon

Data is lost when the server stops.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := loadConfig()
		logger, err := logging.New(cfg.Log)
		if err != nil {
			fatal("%v", err)
		}
		defer func() { _ = logger.Sync() }()

		port, _ := cmd.Flags().GetInt("port")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			apiKey = cfg.Remote.APIKey
		}

		srv := remote.NewServer(remote.NewMemory(), &remote.ServerConfig{
			Port:   port,
			APIKey: apiKey,
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			fatal("failed to start remote store: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s remote store listening on %s\n", renderPass("✓"), srv.GetAddr())
		if apiKey == "" {
			fmt.Fprintf(out, "%s no API key set: requests are not authenticated\n", renderWarn("⚠"))
		}
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		<-ctx.Done()
		if err := srv.Stop(); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	remoteServeCmd.Flags().IntP("port", "p", 8787, "port to listen on")
	remoteServeCmd.Flags().String("api-key", "", "bearer token clients must present (default: remote.api_key)")
	remoteCmd.AddCommand(remoteServeCmd)
	rootCmd.AddCommand(remoteCmd)
}
