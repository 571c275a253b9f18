package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login <subject>",
	GroupID: "account",
	Short:   "Sign in as an identity",
	Long: `Record the signed-in identity in the session file.

The subject is the identity provider's user ID (for example auth0|abc123).
Running commands pick the change up immediately; legacy data kept on this
device is copied to the identity the first time it is used.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		subject := args[0]
		if subject == "" {
			fatalf("subject must not be empty")
		}
		id := identity.Identity{Subject: subject, Authenticated: true}
		if err := identity.WriteSessionFile(appConfig.Session.Path, id); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), subject)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Sign out",
	Run: func(cmd *cobra.Command, args []string) {
		if err := identity.RemoveSessionFile(appConfig.Session.Path); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "account",
	Short:   "Show the signed-in identity",
	Run: func(cmd *cobra.Command, args []string) {
		id, err := identity.ReadSessionFile(appConfig.Session.Path)
		if err != nil {
			fatalf("%v", err)
		}
		if !id.Valid() {
			fmt.Printf("%s Not signed in\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}
		fmt.Println(id.Subject)
		fmt.Printf("   Remote keys: %s\n", ui.RenderMuted(keyspace.Compose(id.Subject, "<key>")))
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}
