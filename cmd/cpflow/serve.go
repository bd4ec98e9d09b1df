package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/budgetdash/cpflow/internal/api"
	"github.com/budgetdash/cpflow/internal/config"
	"github.com/budgetdash/cpflow/internal/store/postgres"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the forecast JSON API for the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (store %s)\n", ln.Addr(), a.cfg.Store); err != nil {
				_ = ln.Close()
				return err
			}
			return a.serve(cmd.Context(), ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (default from [server] listen)")
	return cmd
}

// serve runs the API on ln until ctx is canceled, then drains open requests.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	sess, err := a.open(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = sess.Close() }()

	handler := api.New(sess.machine, sess.store, a.formatter(), a.logger)
	server := &fasthttp.Server{
		Handler:      handler.Handler,
		Name:         "cpflow",
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		Logger:       a.logger,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	a.logger.With("addr", ln.Addr().String(), "store", a.cfg.Store).Info("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	a.logger.Info("api stopped")
	return nil
}

func newDBCommand(a *app) *cobra.Command {
	db := &cobra.Command{
		Use:   "db",
		Short: "Manage the prevision_cp table",
	}

	var apply bool
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the prevision_cp DDL, or apply it with --apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !apply {
				_, err := fmt.Fprint(cmd.OutOrStdout(), postgres.Schema)
				return err
			}
			if a.cfg.Store != config.StorePostgres {
				return errors.New("db schema --apply requires store \"postgres\"")
			}
			store, err := postgres.Open(cmd.Context(), a.cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("prevision_cp schema applied")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return err
		},
	}
	schema.Flags().BoolVar(&apply, "apply", false, "execute the DDL against [postgres] dsn")

	db.AddCommand(schema)
	return db
}
