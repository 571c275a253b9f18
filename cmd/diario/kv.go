package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/autoescola/diario/internal/cloudstore"
	"github.com/autoescola/diario/internal/keyspace"
	"github.com/autoescola/diario/internal/ui"
)

// printStatus explains a degraded value on stderr. Loaded values print
// nothing.
func printStatus[T any](s cloudstore.State[T]) {
	if s.Status != cloudstore.StatusError {
		return
	}
	fmt.Fprintf(os.Stderr, "%s Showing %s value: %v\n", ui.RenderWarn("⚠"), s.Source, s.Err)
}

func prettyJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

var getCmd = &cobra.Command{
	Use:     "get <key>",
	GroupID: "sync",
	Short:   "Print the value stored under a key",
	Long: `Print the JSON value stored under a logical key for the signed-in identity.

A key that does not exist yet is created with the --default value.
Use --path to select part of the value with GJSON syntax:

  diario get students --path '#.name'
  diario get currentClass --path studentName`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		if err := keyspace.ValidLogicalKey(key); err != nil {
			fatalf("%v", err)
		}
		path, _ := cmd.Flags().GetString("path")
		def, _ := cmd.Flags().GetString("default")
		if !json.Valid([]byte(def)) {
			fatalf("--default is not valid JSON: %s", def)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		h := cloudstore.Open(a.engine, key, json.RawMessage(def))
		defer h.Close()
		s := waitLoaded(ctx, a, h)
		printStatus(s)

		if path == "" {
			fmt.Println(prettyJSON(s.Value))
			return
		}
		res := gjson.GetBytes(s.Value, path)
		if !res.Exists() {
			fatalf("path %q not found in %s", path, key)
		}
		if res.IsObject() || res.IsArray() {
			fmt.Println(prettyJSON([]byte(res.Raw)))
			return
		}
		fmt.Println(res.String())
	},
}

var setCmd = &cobra.Command{
	Use:     "set <key> <json>",
	GroupID: "sync",
	Short:   "Replace the value stored under a key",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key, value := args[0], args[1]
		if err := keyspace.ValidLogicalKey(key); err != nil {
			fatalf("%v", err)
		}
		if !json.Valid([]byte(value)) {
			fatalf("value is not valid JSON: %s", value)
		}

		ctx := cmd.Context()
		a := mustApp(ctx)
		defer a.Close()

		h := cloudstore.Open(a.engine, key, json.RawMessage("null"))
		defer h.Close()
		waitLoaded(ctx, a, h)

		task, err := h.Set(ctx, json.RawMessage(value))
		if err != nil {
			fatalf("%v", err)
		}
		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := task.Wait(wctx); err != nil {
			fatalf("%v (saved on this device only)", err)
		}
		fmt.Printf("%s Saved %s\n", ui.RenderPass("✓"), task.Key())
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch <key>",
	GroupID: "sync",
	Short:   "Print every change to a key until interrupted",
	Long: `Follow a logical key and print each new value as it arrives, whether it
was written on this device or another one. Signing in or out in another
terminal rebinds the watch to the new identity.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		if err := keyspace.ValidLogicalKey(key); err != nil {
			fatalf("%v", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := mustApp(ctx)
		defer a.Close()
		if err := a.watchSession(); err != nil {
			fatalf("%v", err)
		}

		h := cloudstore.Open(a.engine, key, json.RawMessage("null"))
		defer h.Close()

		printState := func(s cloudstore.State[json.RawMessage]) {
			stamp := ui.RenderMuted(time.Now().Format("15:04:05"))
			switch s.Status {
			case cloudstore.StatusLoading:
				fmt.Printf("%s %s loading...\n", stamp, ui.RenderAccent("…"))
			case cloudstore.StatusError:
				fmt.Printf("%s %s %s (%s): %v\n", stamp, ui.RenderWarn("⚠"), s.Value, s.Source, s.Err)
			default:
				fmt.Printf("%s %s %s (%s)\n", stamp, ui.RenderPass("●"), s.Value, s.Source)
			}
		}
		cancelSub := h.Subscribe(printState)
		defer cancelSub()
		printState(h.State())

		fmt.Printf("Watching %s. Press Ctrl+C to stop\n", key)
		<-ctx.Done()
	},
}

func init() {
	getCmd.Flags().String("path", "", "GJSON path selecting part of the value")
	getCmd.Flags().String("default", "null", "JSON value to create the key with when it does not exist")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(watchCmd)
}
