package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/db"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/server"
	"github.com/teranos/revsync/sym"
)

// ServeCmd runs the reference remote backend.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Remote + " Run the reference remote backend",
	Long: sym.Remote + ` serve - Run the reference remote backend

Serves the project and revision API that revsync sync talks to, plus a
websocket feed of pushed revisions and head moves on /ws/events.
Projects are stored in the configured database unless --memory is given.
When REVSYNC_REMOTE_TOKEN is set, clients must present it as a bearer token.

Examples:
  revsync serve                     # Listen on server.port
  revsync serve --port 9000 --memory`,
	RunE: runServe,
}

var (
	servePort   int
	serveMemory bool
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default: server.port)")
	ServeCmd.Flags().BoolVar(&serveMemory, "memory", false, "Keep projects in memory only")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	log := logger.Logger.Named("server")

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}
	if port == 0 {
		port = am.DefaultServerPort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backend *server.Backend
	if serveMemory {
		backend = server.NewBackend(log)
	} else {
		path := cfg.GetDatabasePath()
		if serveDBPath != "" {
			path = serveDBPath
		}
		conn, err := db.OpenWithMigrations(path, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		if backend, err = server.NewPersistentBackend(ctx, conn, log); err != nil {
			return err
		}
	}

	srv := server.New(backend, server.Options{
		Token:          cfg.Remote.Token,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", port))
	}()
	pterm.Success.Printfln("%s Serving on http://localhost:%d", sym.Remote, port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
