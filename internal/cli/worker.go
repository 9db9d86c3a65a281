package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/processors"
	"github.com/aridsondez/leaseq/pkg/client"
	"github.com/aridsondez/leaseq/pkg/worker"
)

func workerCmd(a *app) *cobra.Command {
	var (
		tasksPath string
		drain     time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Run the tasks of a YAML file against a remote leaseq server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tasksPath == "" {
				return errors.New("--tasks is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := startManager(ctx, client.NewClient(a.serverURL), tasksPath)
			if err != nil {
				return err
			}
			log.Info().Str("server", a.serverURL).Msg("worker running - press Ctrl+C to stop")

			<-ctx.Done()
			m.Stop()

			waitCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			if err := m.Wait(waitCtx); err != nil {
				log.Warn().Err(err).Msg("handlers still running at shutdown")
			}
			return nil
		},
	}

	command.Flags().StringVar(&tasksPath, "tasks", "", "YAML task file")
	command.Flags().DurationVar(&drain, "drain-timeout", 30*time.Second, "How long to wait for in-flight work on shutdown")
	return command
}

// startManager registers every task of the file on a new Manager over q and
// starts it.
func startManager(ctx context.Context, q worker.Queue, tasksPath string) (*worker.Manager, error) {
	specs, err := config.LoadTasks(tasksPath)
	if err != nil {
		return nil, err
	}
	m := worker.New(q, worker.WithContext(ctx))
	for _, spec := range specs {
		t, err := processors.Task(spec)
		if err != nil {
			return nil, err
		}
		if err := m.Register(t); err != nil {
			return nil, err
		}
	}
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m, nil
}
