package executor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
)

func shellPlan(script string, streaming bool) *InvocationPlan {
	return &InvocationPlan{
		Argv:      []string{"/bin/sh", "-c", script},
		Streaming: streaming,
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fixtures use /bin/sh")
	}
}

func TestRunStreamingYieldsLines(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	inv, err := r.Run(context.Background(), shellPlan(`printf 'one\ntwo\n\nthree\n'`, true))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	var lines []string
	for {
		doc, err := inv.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		lines = append(lines, string(doc))
	}

	// Blank lines are dropped.
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunNonStreamingSingleDocument(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	inv, err := r.Run(context.Background(), shellPlan(`printf '  {"type":"result"}  '`, false))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	doc, err := inv.Next()
	if err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if string(doc) != `{"type":"result"}` {
		t.Errorf("doc = %q", doc)
	}
	if _, err := inv.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("second pull should be EOF, got %v", err)
	}
}

func TestRunStdinPayload(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	plan := shellPlan(`cat`, false)
	plan.Stdin = []byte("from stdin")

	inv, err := r.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	doc, err := inv.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(doc) != "from stdin" {
		t.Errorf("doc = %q", doc)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()
	r.GraceDelay = time.Second

	plan := shellPlan(`sleep 10`, false)
	plan.Timeout = 100 * time.Millisecond

	start := time.Now()
	inv, err := r.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	_, err = inv.Next()
	var procErr *ProcessError
	if !errors.As(err, &procErr) || !procErr.Timeout {
		t.Fatalf("expected timeout ProcessError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %v", elapsed)
	}
}

func TestRunStreamingOversizedLine(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()
	r.GraceDelay = time.Second

	// One line over the scanner cap. Scan stops without reaching EOF while
	// the child may still be blocked writing the remainder, so the failure
	// must surface promptly instead of waiting out the plan timeout.
	plan := shellPlan(`head -c 11000000 /dev/zero | tr '\0' 'a'; echo`, true)
	plan.Timeout = 30 * time.Second

	start := time.Now()
	inv, err := r.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	_, err = inv.Next()
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Errorf("err = %v, want wrapped bufio.ErrTooLong", err)
	}
	if procErr.Timeout {
		t.Error("read failure misreported as timeout")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("failure surfaced after %v", elapsed)
	}
}

func TestRunCapturesStderrOnFailure(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	inv, err := r.Run(context.Background(), shellPlan(`echo 'credit balance too low' >&2; exit 1`, false))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	_, err = inv.Next()
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if procErr.ExitCode != 1 {
		t.Errorf("exit code = %d", procErr.ExitCode)
	}
	if !strings.Contains(procErr.Stderr, "credit balance too low") {
		t.Errorf("stderr = %q", procErr.Stderr)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := NewProcessRunner()

	_, err := r.Run(context.Background(), &InvocationPlan{Argv: []string{"/nonexistent/definitely-not-a-binary"}})
	var procErr *ProcessError
	if !errors.As(err, &procErr) || procErr.Stage != "spawn" {
		t.Fatalf("expected spawn ProcessError, got %v", err)
	}
}

func TestRunSystemPromptFile(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	// The flag and path land at the end of argv; echo the last argument back
	// and cat the file it names.
	plan := &InvocationPlan{
		Argv:             []string{"/bin/sh", "-c", `for last; do :; done; cat "$last"`, "sh"},
		SystemPromptFile: []byte("persona from file"),
	}

	inv, err := r.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	doc, err := inv.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(doc) != "persona from file" {
		t.Errorf("file content = %q", doc)
	}

	// The temp path is the final argv element; it must be gone after Close.
	path := inv.(*invocation).tempPath
	if path == "" {
		t.Fatal("no temp file recorded")
	}
	if err := inv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("temp file not cleaned up: %v", err)
	}
}

func TestCloseIdempotentAndKills(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()

	inv, err := r.Run(context.Background(), shellPlan(`sleep 10`, true))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	done := make(chan struct{})
	go func() {
		inv.Close()
		inv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("close did not terminate the process")
	}
}

func TestIdleWatchdogKillsStalledProcess(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner()
	r.IdleTimeout = 300 * time.Millisecond

	inv, err := r.Run(context.Background(), shellPlan(`sleep 30`, true))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer inv.Close()

	done := make(chan error, 1)
	go func() {
		_, err := inv.Next()
		done <- err
	}()

	select {
	case err := <-done:
		var procErr *ProcessError
		if !errors.As(err, &procErr) {
			t.Errorf("expected ProcessError after stall kill, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestBoundedBufferCapsCapture(t *testing.T) {
	b := &boundedBuffer{limit: 8}
	b.Write([]byte("0123456789abcdef"))
	b.Write([]byte("more"))
	if got := b.String(); got != "01234567" {
		t.Errorf("buffer = %q", got)
	}
}
