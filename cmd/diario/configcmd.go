package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/config"
	"github.com/autoescola/diario/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Inspect and create the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			p, err := config.DefaultPath()
			if err != nil {
				fatalf("%v", err)
			}
			path = p
		}
		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		c := appConfig
		source := c.File
		if source == "" {
			source = ui.RenderMuted("defaults")
		}
		fmt.Printf("\n%s %s\n", ui.RenderHeader("Config"), source)
		fmt.Printf("   remote.driver: %s\n", c.Remote.Driver)
		fmt.Printf("   remote.url: %s\n", c.Remote.URL)
		fmt.Printf("   local.path: %s\n", c.Local.Path)
		fmt.Printf("   local.namespace: %s\n", c.Local.Namespace)
		fmt.Printf("   session.path: %s\n", c.Session.Path)
		fmt.Printf("   migration.sentinel: %s\n", c.Migration.Sentinel)
		fmt.Printf("   migration.keys: %v\n", c.Migration.Keys)
		fmt.Printf("   sync.write_retries: %d\n", c.Sync.WriteRetries)
		fmt.Printf("   server.addr: %s\n", c.Server.Addr)
		fmt.Printf("   log.file: %s\n", c.Log.File)
		fmt.Printf("   log.debug: %v\n", c.Log.Debug)
		fmt.Println()
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
