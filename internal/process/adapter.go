package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/canopyflow/internal/metrics"
)

// Outcome is the result of a successful invocation.
type Outcome struct {
	Fields   map[string]any
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ProcessFailure reports a tool that exited non-zero, could not start, or was killed.
// Its message is the tool's own diagnostic output.
type ProcessFailure struct {
	Command  Command
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessFailure) Error() string {
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s interrupted: %v", e.Command.Name, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command.Name, e.ExitCode)
}

func (e *ProcessFailure) Unwrap() error { return e.Err }

// ContractFailure reports a tool that exited 0 but did not produce what its caller expects.
type ContractFailure struct {
	Command Command
	Reason  string
}

func (e *ContractFailure) Error() string { return e.Reason }

// Adapter runs exactly one external process per Invoke and classifies the outcome.
// It never retries.
type Adapter struct {
	Runner Runner
	Log    *slog.Logger
}

func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{Runner: ExecRunner{}, Log: log}
}

// Invoke runs cmd, forwarding output lines to onLine as they arrive, then applies parser
// to the captured output. parser may be nil.
func (a *Adapter) Invoke(ctx context.Context, cmd Command, parser Parser, onLine LineFunc) (Outcome, error) {
	tool := filepath.Base(cmd.Name)
	log := a.Log.With("tool", tool)
	log.Debug("invoking tool", "cmd", cmd.String())

	start := time.Now()
	res, err := a.Runner.Run(ctx, cmd, func(stream Stream, line string) {
		log.Debug("tool output", "stream", string(stream), "line", line)
		if onLine != nil {
			onLine(stream, line)
		}
	})
	elapsed := time.Since(start)

	if err != nil {
		failure := &ProcessFailure{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		outcome := "exit"
		if ctxErr := ctx.Err(); ctxErr != nil {
			// A killed process reports a signal exit; surface the cancellation instead.
			failure.Err = ctxErr
			failure.Stderr = ""
			outcome = "cancelled"
		}
		metrics.ToolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
		log.Warn("tool failed", "exit_code", res.ExitCode, "duration", elapsed, "err", failure)
		return Outcome{}, failure
	}

	fields := map[string]any{}
	if parser != nil {
		parsed, perr := parser(res)
		if perr != nil {
			metrics.ToolInvocationsTotal.WithLabelValues(tool, "contract").Inc()
			log.Warn("tool output rejected", "duration", elapsed, "reason", perr)
			return Outcome{}, &ContractFailure{Command: cmd, Reason: perr.Error()}
		}
		for k, v := range parsed {
			fields[k] = v
		}
	}
	metrics.ToolInvocationsTotal.WithLabelValues(tool, "ok").Inc()
	log.Debug("tool finished", "duration", elapsed)
	return Outcome{
		Fields:   fields,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: elapsed,
	}, nil
}
