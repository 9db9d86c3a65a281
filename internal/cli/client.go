package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aridsondez/leaseq/pkg/client"
)

func enqueueCmd(a *app) *cobra.Command {
	var ttl time.Duration

	var command = &cobra.Command{
		Use:   "enqueue QUEUE [CONTENT]",
		Short: "Add a message to a queue; content is read from stdin when omitted or \"-\"",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if len(args) == 2 && args[1] != "-" {
				content = []byte(args[1])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = b
			}
			if err := client.NewClient(a.serverURL).Enqueue(cmd.Context(), args[0], content, ttl); err != nil {
				return err
			}
			log.Debug().Str("queue", args[0]).Int("bytes", len(content)).Msg("enqueued")
			return nil
		},
	}
	command.Flags().DurationVar(&ttl, "ttl", 0, "Time to live; 0 keeps the message until deleted")
	return command
}

// peekedMessage prints content as text instead of base64.
type peekedMessage struct {
	ID           int64      `json:"id"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	VisibleUntil *time.Time `json:"visible_until,omitempty"`
	Content      string     `json:"content"`
}

func peekCmd(a *app) *cobra.Command {
	var limit int

	var command = &cobra.Command{
		Use:   "peek QUEUE",
		Short: "Show messages without claiming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := client.NewClient(a.serverURL).Peek(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, m := range msgs {
				if err := enc.Encode(peekedMessage{
					ID:           m.ID,
					EnqueuedAt:   m.EnqueuedAt,
					VisibleUntil: m.VisibleUntil,
					Content:      string(m.Content),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	command.Flags().IntVarP(&limit, "max", "n", 10, "Maximum number of messages")
	return command
}

func countCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count QUEUE",
		Short: "Print the approximate number of messages in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := client.NewClient(a.serverURL).ApproximateCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
}

func clearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear QUEUE",
		Short: "Remove every message from a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.NewClient(a.serverURL).Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			log.Info().Str("queue", args[0]).Msg("queue cleared")
			return nil
		},
	}
}
