// Package cli is the leaseq command line: a server, a remote worker and a
// few client commands.
package cli

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/logging"
)

// app carries what every subcommand needs once the root has parsed flags.
type app struct {
	cfg       *config.Config
	serverURL string
	logLevel  string
}

func Run() {
	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	var command = &cobra.Command{
		Use:           "leaseq",
		Short:         "Lease-based message queue and task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			if a.serverURL == "" {
				a.serverURL = cfg.ServerURL
			}
			logging.Setup(cfg.LogLevel, cfg.LogPretty)
			a.cfg = cfg
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.PersistentFlags().StringVar(&a.serverURL, "server", "", "leaseq server URL (default $SERVER_URL)")
	command.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (default $LOG_LEVEL)")

	command.AddCommand(serveCmd(a))
	command.AddCommand(workerCmd(a))
	command.AddCommand(enqueueCmd(a))
	command.AddCommand(peekCmd(a))
	command.AddCommand(countCmd(a))
	command.AddCommand(clearCmd(a))
	return command
}
