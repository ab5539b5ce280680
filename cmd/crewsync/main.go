// Command crewsync runs and inspects the offline-first sync engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/app"
	"github.com/crewdesk/crewsync/internal/config"
	"github.com/crewdesk/crewsync/internal/logging"
)

var (
	configPath string
	offline    bool
	logLevel   string
)

var (
	renderPass = color.New(color.FgHiGreen).SprintFunc()
	renderWarn = color.New(color.FgYellow).SprintFunc()
	renderFail = color.New(color.FgRed).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "crewsync",
	Short: "Offline-first sync engine for staff, teams and tasks",
	Long: `crewsync keeps a local working set of staff, teams and tasks usable
without a network connection. Mutations are written locally at once and
queued; the daemon delivers them to the remote store when it is reachable,
applies changes pushed by other clients and keeps other processes on this
device up to date.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: crewsync.yaml in . or .crewsync/)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "never contact the remote store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", renderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// loadConfig loads configuration and applies persistent flag overrides.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("%v", err)
	}
	if offline {
		cfg.Sync.Offline = true
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}
	return cfg
}

// openApp assembles the process for a one-shot command. The dashboard is
// only served by the daemon.
func openApp(ctx context.Context) *app.App {
	cfg := loadConfig()
	cfg.Dashboard.Enabled = false
	return openAppWith(ctx, cfg)
}

func openAppWith(ctx context.Context, cfg *config.Config) *app.App {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatal("%v", err)
	}
	a, err := app.New(ctx, cfg, &app.Options{Logger: logger})
	if err != nil {
		fatal("%v", err)
	}
	if a.Report.Changed() {
		logger.Info("repaired local store",
			zap.Int("normalized", a.Report.Normalized),
			zap.Int("duplicates_removed", a.Report.DuplicatesRemoved))
	}
	return a
}
