// Package commands implements the splitsync CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "splitsync",
	Short: "Local-first expense splitting with background sync",
	Long: `splitsync keeps shared groups and expenses in a local cache and
opportunistically synchronizes them with a remote backend.

Mutations always land locally first, so every command works offline;
deletions issued offline are queued and replayed once the backend is
reachable again. Run 'splitsync watch' to keep the cache live: it pushes
debounced changes, follows the realtime change feed, and imports drop-in
expense files from the spool directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.splitsync.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".splitsync")
		}
	}

	viper.SetEnvPrefix("SPLITSYNC")
	viper.AutomaticEnv()

	home, _ := os.UserHomeDir()
	viper.SetDefault("cache_path", filepath.Join(home, ".splitsync", "cache.db"))
	viper.SetDefault("spool_dir", filepath.Join(home, ".splitsync", "spool"))
	viper.SetDefault("remote_dsn", "")
	viper.SetDefault("realtime_url", "")
	viper.SetDefault("log_file", "")
	viper.SetDefault("user", "")

	// Missing config file is fine; defaults and env cover first runs.
	_ = viper.ReadInConfig()
}

// configPath returns where login should persist the config.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".splitsync.yaml"
	}
	return filepath.Join(home, ".splitsync.yaml")
}
