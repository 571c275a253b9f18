// Command diario keeps a driving school's students, lessons and classes in
// sync between devices.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/config"
	"github.com/autoescola/diario/internal/logging"
)

var (
	configPath string
	appConfig  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "diario",
	Short: "Driving lesson records, synced across devices",
	Long: `diario keeps a driving school's students, lesson plans and classes.

Records are stored per signed-in identity in a remote store and cached on
the device. Changes made on one device show up on every other device that
is watching the same data.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd, configPath)
		if err != nil {
			return err
		}
		appConfig = cfg

		_, err = logging.Setup(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Debug:      cfg.Log.Debug,
		})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Close()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default: searched in the user config dir, /etc/diario and .)")
	flags.String("remote.driver", "", "Remote store driver: http, sqlite, postgres or memory")
	flags.String("remote.url", "", "Hosted API base URL")
	flags.String("remote.dsn", "", "Remote database path or connection string")
	flags.String("local.path", "", "Local cache database path")
	flags.Bool("log.debug", false, "Enable debug logging")
}

// fatalf reports err and exits, the way every command fails.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	_ = logging.Close()
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
