package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/autoescola/diario/internal/config"
	"github.com/autoescola/diario/internal/logging"
	"github.com/autoescola/diario/internal/server"
	"github.com/autoescola/diario/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Run the hosted API over a database",
	Long: `Serve the remote store API that the http driver talks to. Entries are kept
in the database selected by --backend and remote.dsn; every connected
device gets change notifications over a websocket feed.

  diario serve --backend sqlite --remote.dsn /var/lib/diario/server.db
  diario serve --backend postgres --remote.dsn postgres://diario@db/diario`,
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("backend")
		if backend == config.DriverHTTP {
			fatalf("the server cannot use the http driver as its own backend")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backendCfg := *appConfig
		backendCfg.Remote.Driver = backend
		store, closeStore, err := openRemote(ctx, &backendCfg)
		if err != nil {
			fatalf("failed to open %s backend: %v", backend, err)
		}
		defer closeStore()

		srv := server.New(store, &server.Config{
			Addr:   appConfig.Server.Addr,
			Logger: logging.New("server"),
		})
		if err := srv.Start(); err != nil {
			_ = srv.Stop()
			fatalf("%v", err)
		}

		fmt.Printf("%s Serving %s backend\n", ui.RenderPass("✓"), backend)
		fmt.Printf("   Address: http://%s\n", srv.Addr())
		fmt.Printf("   Feed: ws://%s/v1/feed\n", srv.Addr())
		fmt.Println("Press Ctrl+C to stop")

		<-ctx.Done()
		if err := srv.Stop(); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("backend", config.DriverSQLite, "Database behind the API: sqlite, postgres or memory")
	serveCmd.Flags().String("server.addr", "", "Address to listen on")

	rootCmd.AddCommand(serveCmd)
}
