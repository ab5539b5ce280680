package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crewdesk/crewsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding the defaults",
	Long: `Write a config file holding the defaults.

The format follows the file extension, or --format when no path is given:
  crewsync config init                      # .crewsync/crewsync.yaml
  crewsync config init --format toml        # .crewsync/crewsync.toml
  crewsync config init ./crewsync.toml`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		force, _ := cmd.Flags().GetBool("force")

		path, format, err := configTarget(args, format)
		if err != nil {
			fatal("%v", err)
		}
		if !force {
			if _, err := os.Stat(path); err == nil {
				fatal("%s already exists (use --force to overwrite)", path)
			}
		}

		data, err := config.Starter(format)
		if err != nil {
			fatal("%v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fatal("failed to create directory: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fatal("failed to write config: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", renderPass("✓"), path)
	},
}

// configTarget resolves the file config init writes and its format.
func configTarget(args []string, format string) (string, string, error) {
	if len(args) == 0 {
		switch format {
		case "yaml", "toml":
		default:
			return "", "", fmt.Errorf("unsupported config format %q", format)
		}
		return filepath.Join(".crewsync", "crewsync."+format), format, nil
	}

	path := args[0]
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return path, "yaml", nil
	case ".toml":
		return path, "toml", nil
	default:
		return "", "", fmt.Errorf("cannot tell the config format of %s: use a .yaml or .toml extension", path)
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and CREWSYNC_*
environment variables are applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		v, err := config.NewViper(configPath)
		if err != nil {
			fatal("%v", err)
		}
		format, _ := cmd.Flags().GetString("format")
		data, err := config.Encode(v, format)
		if err != nil {
			fatal("%v", err)
		}
		if file := v.ConfigFileUsed(); file != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "# from %s\n", file)
		}
		_, _ = cmd.OutOrStdout().Write(data)
	},
}

func init() {
	configInitCmd.Flags().String("format", "yaml", "yaml or toml")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configShowCmd.Flags().String("format", "yaml", "yaml or toml")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
