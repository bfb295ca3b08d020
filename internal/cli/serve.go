package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/roomsync/internal/config"
	"github.com/roach88/roomsync/internal/logserver"
	"github.com/roach88/roomsync/internal/store"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command. Unset flags fall back to
// the ROOMSYNC_* environment.
type ServeOptions struct {
	*RootOptions
	Addr           string
	Database       string
	MaxBodyBytes   int64
	RateLimit      int
	AllowedOrigins []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room event log server",
		Long: `Serve the room event log over HTTP.

Routes:
  POST /rooms/{room}/events            append an event
  GET  /rooms/{room}/events            page events after a cursor
  GET  /rooms/{room}/live              websocket stream of new events
  GET  /rooms/{room}/snapshots/latest  latest snapshot
  POST /rooms/{room}/snapshots         save a snapshot
  GET  /rooms                          room summaries
  GET  /healthz                        liveness

Flags override ROOMSYNC_ADDR, ROOMSYNC_DB, ROOMSYNC_MAX_BODY_BYTES,
ROOMSYNC_RATE_LIMIT and ROOMSYNC_ALLOWED_ORIGINS.

Examples:
  roomsync serve
  roomsync serve --addr :8787 --db ./roomsync.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default $ROOMSYNC_ADDR or localhost:8787)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default $ROOMSYNC_DB or roomsync.db)")
	cmd.Flags().Int64Var(&opts.MaxBodyBytes, "max-body-bytes", 0, "largest accepted request body")
	cmd.Flags().IntVar(&opts.RateLimit, "rate-limit", 0, "appends per second per client per room")
	cmd.Flags().StringSliceVar(&opts.AllowedOrigins, "allowed-origin", nil, "allowed CORS origin (repeatable, default any)")

	return cmd
}

// serverConfig merges changed flags over the environment configuration.
func serverConfig(opts *ServeOptions, cmd *cobra.Command) (config.Server, error) {
	var cfg config.Server
	if err := config.ParseEnv(&cfg); err != nil {
		return config.Server{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = opts.Addr
	}
	if flags.Changed("db") {
		cfg.DBPath = opts.Database
	}
	if flags.Changed("max-body-bytes") {
		cfg.MaxBodyBytes = opts.MaxBodyBytes
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit = opts.RateLimit
	}
	if flags.Changed("allowed-origin") {
		cfg.AllowedOrigins = opts.AllowedOrigins
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := serverConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := slog.Default()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := logserver.New(st, cfg, logger)
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("log server listening", "addr", addr, "db", cfg.DBPath)
	fmt.Fprintf(cmd.OutOrStdout(), "roomsync listening on http://%s\n", addr)

	select {
	case err := <-serveErr:
		srv.Close()
		return WrapExitError(ExitCommandError, "server failed", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Websocket connections are hijacked, so Shutdown does not wait for them.
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown failed", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	return nil
}
