package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/autoescola/diario/internal/identity"
	"github.com/autoescola/diario/internal/migrate"
	"github.com/autoescola/diario/internal/records"
	"github.com/autoescola/diario/internal/remote"
	"github.com/autoescola/diario/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show identity, stores and migration state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a, err := openStores(ctx, appConfig)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		id := a.session.Current()
		fmt.Printf("\n%s\n", ui.RenderHeader("diario status"))
		if id.Valid() {
			fmt.Printf("   Identity: %s\n", id.Subject)
		} else {
			fmt.Printf("   Identity: %s\n", ui.RenderWarn("not signed in"))
		}
		if a.cfg.File != "" {
			fmt.Printf("   Config: %s\n", a.cfg.File)
		} else {
			fmt.Printf("   Config: %s\n", ui.RenderMuted("defaults"))
		}
		fmt.Printf("   Remote: %s %s\n", a.cfg.Remote.Driver, remoteTarget(a))
		fmt.Printf("   Local cache: %s (%s keys)\n", a.local.Path(), a.cfg.Local.Namespace)

		keys, err := a.local.Keys()
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("   Local entries: %d\n", len(keys))
		for _, k := range keys {
			fmt.Printf("      %s\n", ui.RenderMuted(k))
		}

		if !id.Valid() {
			fmt.Println()
			return
		}

		if lister, ok := a.store.(remote.Lister); ok {
			lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			entries, err := lister.List(lctx, id.Subject)
			cancel()
			if err != nil {
				fmt.Printf("   Remote entries: %s %v\n", ui.RenderWarn("⚠"), err)
			} else {
				fmt.Printf("   Remote entries: %d\n", len(entries))
				for _, e := range entries {
					fmt.Printf("      %s %s\n", e.Key, ui.RenderMuted(e.UpdatedAt.Local().Format(time.DateTime)))
				}
			}
		}

		done, err := sentinelDone(ctx, a, id)
		switch {
		case err != nil:
			fmt.Printf("   Migration: %s %v\n", ui.RenderWarn("⚠"), err)
		case done:
			fmt.Printf("   Migration: %s complete (%s sentinel)\n", ui.RenderPass("✓"), a.cfg.Migration.Sentinel)
		default:
			fmt.Printf("   Migration: pending (%s sentinel)\n", a.cfg.Migration.Sentinel)
		}
		fmt.Println()
	},
}

func remoteTarget(a *app) string {
	switch a.cfg.Remote.Driver {
	case "http":
		return a.cfg.Remote.URL
	case "sqlite":
		return a.cfg.Remote.DSN
	case "postgres":
		return ui.RenderMuted("(dsn hidden)")
	}
	return ""
}

func sentinelDone(ctx context.Context, a *app, id identity.Identity) (bool, error) {
	sentinel, err := migrate.ParseSentinel(a.cfg.Migration.Sentinel, a.local, a.store)
	if err != nil {
		return false, err
	}
	return sentinel.Done(ctx, id.Subject)
}

// exportDoc is the export file layout.
type exportDoc struct {
	Identity   string            `json:"identity" yaml:"identity"`
	ExportedAt time.Time         `json:"exportedAt" yaml:"exported_at"`
	Students   []records.Student `json:"students" yaml:"students"`
	Lessons    []records.Lesson  `json:"lessons" yaml:"lessons"`
	Classes    []records.Class   `json:"classes" yaml:"classes"`
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "records",
	Short:   "Export all records of the signed-in identity",
	Long: `Write students, lessons and classes to stdout as JSON or YAML.

  diario export > backup.json
  diario export --format yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		format = strings.ToLower(format)
		if format != "json" && format != "yaml" {
			fatalf("unknown format %q (want json or yaml)", format)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		students := records.OpenStudents(a.engine)
		defer students.Close()
		lessons := records.OpenLessons(a.engine)
		defer lessons.Close()
		classes := records.OpenClasses(a.engine)
		defer classes.Close()

		printStatus(waitLoaded(ctx, a, students.Handle()))
		printStatus(waitLoaded(ctx, a, lessons.Handle()))
		printStatus(waitLoaded(ctx, a, classes.Handle()))

		doc := exportDoc{
			Identity:   a.engine.Identity().Subject,
			ExportedAt: time.Now().UTC(),
			Students:   students.List(),
			Lessons:    lessons.List(),
			Classes:    classes.List(),
		}

		var out []byte
		var err error
		if format == "yaml" {
			out, err = yaml.Marshal(doc)
		} else {
			out, err = json.MarshalIndent(doc, "", "  ")
			out = append(out, '\n')
		}
		if err != nil {
			fatalf("failed to encode export: %v", err)
		}
		if _, err := os.Stdout.Write(out); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "Output format: json or yaml")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exportCmd)
}
