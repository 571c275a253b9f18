package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "sync",
	Short:   "Copy legacy device records to the signed-in identity",
	Long: `Copy the lists kept on this device before accounts existed to the
signed-in identity's remote namespace.

This runs automatically the first time an identity is used; running it
again is a no-op once the migration sentinel is recorded.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openStores(cmd.Context(), appConfig)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		id := a.session.Current()
		if !id.Valid() {
			fatalf("not signed in (run 'diario login <subject>')")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		res, err := a.migrator.RunOnce(ctx, id)
		if err != nil {
			fatalf("migration failed: %v", err)
		}

		if res.AlreadyDone {
			fmt.Printf("%s Already migrated for %s\n", ui.RenderPass("✓"), res.Identity)
			return
		}
		fmt.Printf("%s Migration complete for %s\n", ui.RenderPass("✓"), res.Identity)
		fmt.Printf("   Migrated: %d %v\n", len(res.KeysMigrated), res.KeysMigrated)
		fmt.Printf("   Skipped (missing or empty): %d %v\n", len(res.KeysSkipped), res.KeysSkipped)
		if len(res.Errors) > 0 {
			fmt.Printf("\n%s %d keys failed:\n", ui.RenderWarn("⚠"), len(res.Errors))
			for _, e := range res.Errors {
				fmt.Printf("   %s\n", e)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
