package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/queue/service"
	"github.com/aridsondez/leaseq/internal/queue/sweeper"
	"github.com/aridsondez/leaseq/pkg/worker"
)

func serveCmd(a *app) *cobra.Command {
	var (
		port      int
		tasksPath string
		drain     time.Duration
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, the TTL sweeper and optional in-process tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			svc := service.New(st, cfg.MaxBatch)

			swp := sweeper.New(st, cfg.SweepInterval)
			swp.Start()
			defer swp.Stop()

			var m *worker.Manager
			if tasksPath != "" {
				m, err = startManager(ctx, svc, tasksPath)
				if err != nil {
					return err
				}
			}

			addr := fmt.Sprintf(":%d", cfg.Port)
			httpSrv := api.NewServer(addr, svc, cfg.RequestTimeout)

			errCh := make(chan error, 1)
			log.Info().Str("addr", addr).Str("backend", cfg.StoreBackend).Msg("HTTP server listening")
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err = <-errCh:
				log.Error().Err(err).Msg("http server error")
			}
			log.Info().Msg("shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			if m != nil {
				m.Stop()
			}
			_ = httpSrv.Shutdown(shutdownCtx)
			if m != nil {
				if werr := m.Wait(shutdownCtx); werr != nil {
					log.Warn().Err(werr).Msg("handlers still running at shutdown")
				}
			}
			return err
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on (default $PORT)")
	command.Flags().StringVar(&tasksPath, "tasks", "", "YAML task file to run in-process")
	command.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "How long to wait for in-flight work on shutdown")
	return command
}
