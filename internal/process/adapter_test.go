package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func sh(script string) Command {
	return Command{Name: "sh", Args: []string{"-c", script}}
}

func TestInvoke_NonZeroExitCarriesStderr(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	_, err := a.Invoke(context.Background(), sh("echo 'bad las header' >&2; exit 1"), nil, nil)
	var pf *ProcessFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected *ProcessFailure, got %T %v", err, err)
	}
	if pf.ExitCode != 1 {
		t.Fatalf("exit code: got %d want 1", pf.ExitCode)
	}
	if err.Error() != "bad las header" {
		t.Fatalf("message: got %q want %q", err.Error(), "bad las header")
	}
}

func TestInvoke_StderrKeepsBoundedTail(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	script := `i=0; while [ $i -lt 3000 ]; do echo "warning $i: reprojecting tile, padding padding" >&2; i=$((i+1)); done; echo 'fatal: out of memory' >&2; exit 2`
	_, err := a.Invoke(context.Background(), sh(script), nil, nil)
	var pf *ProcessFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected *ProcessFailure, got %T %v", err, err)
	}
	if len(pf.Stderr) > MaxStderrBytes+len("...\n") {
		t.Fatalf("stderr not bounded: got %d bytes, max %d", len(pf.Stderr), MaxStderrBytes)
	}
	if !strings.HasPrefix(pf.Stderr, "...\n") {
		t.Fatalf("truncated stderr should be marked, starts with %q", pf.Stderr[:20])
	}
	if !strings.HasSuffix(err.Error(), "fatal: out of memory") {
		t.Fatalf("last stderr line lost: ...%q", err.Error()[len(err.Error())-40:])
	}
}

func TestTailBuffer(t *testing.T) {
	tb := tailBuffer{max: 16}
	tb.writeLine("short")
	if tb.String() != "short\n" {
		t.Fatalf("got %q", tb.String())
	}
	tb.writeLine("second line")
	tb.writeLine("third")
	if got, want := tb.String(), "...\nthird\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	tb.writeLine("a line longer than the buffer")
	if got := tb.String(); len(got) != len("...\n")+16 || !strings.HasSuffix(got, "than the buffer\n") {
		t.Fatalf("long line tail: got %q", got)
	}
}

func TestInvoke_NonZeroExitWithoutStderr(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	_, err := a.Invoke(context.Background(), sh("exit 3"), nil, nil)
	if err == nil || err.Error() != "sh exited with code 3" {
		t.Fatalf("got %v", err)
	}
}

func TestInvoke_MissingBinary(t *testing.T) {
	a := NewAdapter(slogDiscard())
	_, err := a.Invoke(context.Background(), Command{Name: "/nonexistent/tool-xyz"}, nil, nil)
	var pf *ProcessFailure
	if !errors.As(err, &pf) || pf.ExitCode != -1 {
		t.Fatalf("expected start failure with exit -1, got %v", err)
	}
}

func TestInvoke_StreamsLinesAndParsesMarkers(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	var lines []string
	out, err := a.Invoke(context.Background(),
		sh("echo starting; echo 'GeoJSON: /tmp/a.geojson'; echo warn >&2; echo 'GeoJSON: /tmp/b.geojson'"),
		Markers([]string{"GeoJSON"}, "Visualization"),
		func(stream Stream, line string) { lines = append(lines, string(stream)+":"+line) },
	)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Fields["GeoJSON"] != "/tmp/b.geojson" {
		t.Fatalf("last marker should win, got %v", out.Fields["GeoJSON"])
	}
	if _, ok := out.Fields["Visualization"]; ok {
		t.Fatalf("absent optional marker should be omitted")
	}
	if len(lines) != 4 {
		t.Fatalf("streamed lines: got %d (%v) want 4", len(lines), lines)
	}
	if !strings.Contains(out.Stderr, "warn") {
		t.Fatalf("stderr not captured: %q", out.Stderr)
	}
}

func TestInvoke_MissingRequiredMarkerIsContractFailure(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	_, err := a.Invoke(context.Background(), sh("echo done"), Markers([]string{"CSV"}), nil)
	var cf *ContractFailure
	if !errors.As(err, &cf) {
		t.Fatalf("expected *ContractFailure, got %T %v", err, err)
	}
	if !strings.Contains(cf.Reason, "CSV") {
		t.Fatalf("reason should name the marker: %q", cf.Reason)
	}
}

func TestInvoke_RequireFiles(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "dem.tif")
	a := NewAdapter(slogDiscard())

	_, err := a.Invoke(context.Background(), sh("true"), RequireFiles(target), nil)
	var cf *ContractFailure
	if !errors.As(err, &cf) || !strings.Contains(cf.Reason, "output file is missing") {
		t.Fatalf("expected missing-file contract failure, got %v", err)
	}

	if _, err := a.Invoke(context.Background(), sh("touch "+target), RequireFiles(target), nil); err != nil {
		t.Fatalf("Invoke with produced file: %v", err)
	}
}

func TestInvoke_CancelKillsProcess(t *testing.T) {
	requireShell(t)
	a := NewAdapter(slogDiscard())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := a.Invoke(ctx, sh("exec sleep 10"), nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}

type fakeRunner struct {
	run func(ctx context.Context, cmd Command, onLine LineFunc) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error) {
	return f.run(ctx, cmd, onLine)
}

func TestInvoke_JSONStdoutWithFakeRunner(t *testing.T) {
	a := &Adapter{Log: slogDiscard(), Runner: &fakeRunner{run: func(_ context.Context, cmd Command, _ LineFunc) (Result, error) {
		if cmd.Name != "pdal" || cmd.Args[0] != "info" {
			t.Fatalf("unexpected command %s", cmd)
		}
		return Result{Stdout: `{"summary":{"num_points":42}}`}, nil
	}}}
	out, err := a.Invoke(context.Background(), Command{Name: "pdal", Args: []string{"info", "x.las", "--summary"}}, JSONStdout("info"), nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	info, _ := out.Fields["info"].(map[string]any)
	summary, _ := info["summary"].(map[string]any)
	if summary["num_points"] != float64(42) {
		t.Fatalf("decoded stdout mismatch: %+v", out.Fields)
	}

	a.Runner = &fakeRunner{run: func(context.Context, Command, LineFunc) (Result, error) {
		return Result{Stdout: "not json"}, nil
	}}
	if _, err := a.Invoke(context.Background(), Command{Name: "pdal"}, JSONStdout("info"), nil); err == nil {
		t.Fatalf("invalid JSON should be a contract failure")
	}
}

func TestChainMergesAndStopsOnError(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "tree_attributes.csv")
	if err := os.WriteFile(f, []byte("id\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	res := Result{Stdout: "CSV: " + f + "\nSUMMARY: {\"total\":1}\n"}
	fields, err := Chain(Markers([]string{"CSV", "SUMMARY"}), RequireFiles(f))(res)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if fields["CSV"] != f || fields["SUMMARY"] != `{"total":1}` {
		t.Fatalf("fields: %+v", fields)
	}
	if _, err := Chain(RequireFiles(filepath.Join(dir, "nope")), Markers([]string{"CSV"}))(res); err == nil {
		t.Fatalf("chain should stop at first error")
	}
}
