package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream names the output pipe a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// maxLineBytes bounds a single buffered output line.
const maxLineBytes = 1 << 20

const waitDelay = 2 * time.Second

// MaxStderrBytes bounds the stderr kept from one run. Only the tail is kept,
// since tools print the failing step last.
const MaxStderrBytes = 64 << 10

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the inherited environment
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// LineFunc receives output lines as they are produced. Calls are serialized.
type LineFunc func(stream Stream, line string)

// Result is the captured output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run starts the command, streams both outputs line by line, and waits for exit.
// A non-zero exit returns the captured Result together with the *exec.ExitError.
// A process that cannot be started reports ExitCode -1.
func (ExecRunner) Run(ctx context.Context, c Command, onLine LineFunc) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	// Grandchildren holding the pipes open must not outlive a cancelled run.
	cmd.WaitDelay = waitDelay

	var mu sync.Mutex
	var stdout strings.Builder
	stderr := tailBuffer{max: MaxStderrBytes}
	emit := func(stream Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == Stdout {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		} else {
			stderr.writeLine(line)
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
	outW := &lineWriter{stream: Stdout, emit: emit}
	errW := &lineWriter{stream: Stderr, emit: emit}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Stderr: err.Error()}, err
	}
	waitErr := cmd.Wait()
	outW.flush()
	errW.flush()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, waitErr
	}
	return res, nil
}

// lineWriter splits written bytes into lines. exec copies each pipe from its own
// goroutine, so a writer is only ever used by one goroutine at a time.
type lineWriter struct {
	stream Stream
	emit   func(Stream, string)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.stream, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.stream, string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.stream, strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}

// tailBuffer keeps the last max bytes of the lines written to it, cut at a line
// boundary where possible.
type tailBuffer struct {
	max     int
	buf     []byte
	dropped bool
}

func (t *tailBuffer) writeLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	over := len(t.buf) - t.max
	if over <= 0 {
		return
	}
	cut := over
	if i := bytes.IndexByte(t.buf[over:], '\n'); i >= 0 && over+i+1 < len(t.buf) {
		cut = over + i + 1
	}
	t.buf = append(t.buf[:0], t.buf[cut:]...)
	t.dropped = true
}

func (t *tailBuffer) String() string {
	if t.dropped {
		return "...\n" + string(t.buf)
	}
	return string(t.buf)
}
