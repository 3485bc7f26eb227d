package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/database"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Real-time relay that shared lists sync through",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default listsync.yaml in . or ~/.listsync)")
	flags.String("relay-addr", "", "listen address, e.g. :8080")
	flags.String("relay-db-path", "", "database file for the relay tree")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-file", "", "also write logs to this file (rotated)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.Setup(cfg.LogLevel, cfg.LogFile)

	db, err := database.Open(cfg.Relay.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	srv, err := relay.NewServer(ctx, relay.ServerOptions{
		DB:               db,
		PersistDelay:     cfg.Relay.PersistDelay,
		CodeLookups:      cfg.Relay.CodeLookups,
		CodeLookupWindow: cfg.Relay.CodeLookupWindow,
		SweepInterval:    cfg.Relay.SweepInterval,
		Logger:           logger.With("component", "relay"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("relay listening", "addr", cfg.Relay.Addr, "db", cfg.Relay.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Peers are told to go before the listener stops; hijacked
		// websocket connections are not tracked by http.Server.
		relayErr := srv.Shutdown(shutdownCtx)
		return errors.Join(httpServer.Shutdown(shutdownCtx), relayErr)
	})
	return g.Wait()
}
