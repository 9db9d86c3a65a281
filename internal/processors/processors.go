// Package processors holds the handlers a task file can name: "log" and
// "exec".
package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/pkg/worker"
)

// maxOutput bounds how much command output is kept for logs and errors.
const maxOutput = 4 << 10

// waitDelay is how long a killed command's children may hold its output open.
const waitDelay = time.Second

// Log records the message and succeeds.
func Log(ctx context.Context, msg worker.Message) error {
	log.Info().
		Str("queue", msg.Queue).
		Int64("id", msg.ID).
		Time("enqueued_at", msg.EnqueuedAt).
		Int("bytes", len(msg.Content)).
		Msg("message received")
	return nil
}

// Exec runs command once per message with the content on stdin. Exit
// status 0 is success. LEASEQ_QUEUE and LEASEQ_MESSAGE_ID are added to the
// environment.
func Exec(command []string) worker.HandlerFunc {
	args := append([]string(nil), command...)
	return func(ctx context.Context, msg worker.Message) error {
		if len(args) == 0 {
			return errors.New("exec: empty command")
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdin = bytes.NewReader(msg.Content)
		cmd.Env = append(os.Environ(),
			"LEASEQ_QUEUE="+msg.Queue,
			"LEASEQ_MESSAGE_ID="+strconv.FormatInt(msg.ID, 10),
		)
		out := &limitedBuffer{max: maxOutput}
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.WaitDelay = waitDelay

		err := cmd.Run()
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("queue", msg.Queue).Int64("id", msg.ID).Str("command", args[0]).
			Str("output", out.String()).Msg("exec finished")
		if err != nil {
			return fmt.Errorf("exec %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
		}
		return nil
	}
}

// Task turns a task file entry into a worker.Task. Exec handlers are bounded
// by the visibility timeout since ownership is gone after that anyway.
func Task(spec config.TaskSpec) (worker.Task, error) {
	if err := spec.Validate(); err != nil {
		return worker.Task{}, err
	}
	var h worker.HandlerFunc
	switch spec.Processor {
	case "log":
		h = Log
	case "exec":
		run := Exec(spec.Command)
		vis := spec.Visibility
		h = func(ctx context.Context, msg worker.Message) error {
			ctx, cancel := context.WithTimeout(ctx, vis)
			defer cancel()
			return run(ctx, msg)
		}
	}
	return worker.Task{
		Queue:        spec.Queue,
		PollInterval: spec.PollInterval,
		Visibility:   spec.Visibility,
		MaxInstances: spec.MaxInstances,
		Handler:      h,
		AckOnPanic:   spec.AckOnPanic,
	}, nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
