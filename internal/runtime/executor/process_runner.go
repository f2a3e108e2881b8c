package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/ccbridge/ccbridge/internal/logging"
)

// Invocation is a handle on one running CLI process. Next yields raw stdout
// documents (the whole payload for non-streaming plans, one line at a time
// for streaming plans) and io.EOF on clean exhaustion. Close kills the
// process, waits for it, and removes any temp file; it is idempotent and
// must be called on every exit path.
type Invocation interface {
	Next() ([]byte, error)
	Close() error
}

// Runner abstracts process execution so the engine can be tested against a
// fake that replays canned output without spawning anything.
type Runner interface {
	Run(ctx context.Context, plan *InvocationPlan) (Invocation, error)
}

// ProcessRunner executes invocation plans as real OS subprocesses.
type ProcessRunner struct {
	// GraceDelay bounds how long Wait may run after the process is killed.
	GraceDelay time.Duration

	// IdleTimeout kills invocations whose stdout stalls completely.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
}

// NewProcessRunner returns a runner with a 5s kill grace period.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{GraceDelay: 5 * time.Second}
}

// scanner line cap; CLI result documents can carry whole file contents.
const maxLineBytes = 10 * 1024 * 1024

// Run materializes the plan (temp file, stdin), spawns the process, and
// returns a pull iterator over its stdout.
func (r *ProcessRunner) Run(ctx context.Context, plan *InvocationPlan) (Invocation, error) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if plan.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, plan.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	argv := plan.Argv
	var tempPath string
	if plan.SystemPromptFile != nil {
		f, err := os.CreateTemp("", "ccbridge-system-*.txt") // 0600 by default
		if err != nil {
			cancel()
			return nil, &ProcessError{Stage: "spawn", Err: err}
		}
		if _, err := f.Write(plan.SystemPromptFile); err != nil {
			f.Close()
			os.Remove(f.Name())
			cancel()
			return nil, &ProcessError{Stage: "spawn", Err: err}
		}
		f.Close()
		tempPath = f.Name()
		argv = append(append(make([]string, 0, len(argv)+2), argv...), systemPromptFileFlag, tempPath)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = r.GraceDelay
	if len(plan.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(plan.Stdin)
	}
	stderr := &boundedBuffer{limit: 32 * 1024}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeIfSet(tempPath)
		cancel()
		return nil, &ProcessError{Stage: "spawn", Err: err}
	}

	if err := cmd.Start(); err != nil {
		removeIfSet(tempPath)
		cancel()
		return nil, &ProcessError{Stage: "spawn", Err: err}
	}

	inv := &invocation{
		cmd:       cmd,
		runCtx:    runCtx,
		cancel:    cancel,
		stdout:    stdout,
		streaming: plan.Streaming,
		stderr:    stderr,
		tempPath:  tempPath,
		stop:      make(chan struct{}),
	}
	if plan.Streaming {
		inv.scanner = bufio.NewScanner(stdout)
		inv.scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	}
	inv.touch()
	if r.IdleTimeout > 0 {
		go inv.watchIdle(r.IdleTimeout)
	}
	return inv, nil
}

type invocation struct {
	cmd       *exec.Cmd
	runCtx    context.Context
	cancel    context.CancelFunc
	stdout    io.ReadCloser
	scanner   *bufio.Scanner
	streaming bool
	stderr    *boundedBuffer
	tempPath  string

	lastActivity atomic.Int64
	stop         chan struct{}
	stopOnce     sync.Once

	emitted    bool // non-streaming: single document already returned
	finishOnce sync.Once
	finishErr  error
}

func (inv *invocation) touch() {
	inv.lastActivity.Store(time.Now().UnixNano())
}

// watchIdle is a safety net for a CLI that wedges without exiting: if stdout
// produces nothing for longer than the limit, the process is killed.
func (inv *invocation) watchIdle(limit time.Duration) {
	interval := limit / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-inv.stop:
			return
		case <-inv.runCtx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, inv.lastActivity.Load()))
			if idle > limit {
				log.Warnf("cli stdout stalled for %v, killing process", idle.Round(time.Second))
				inv.cancel()
				return
			}
		}
	}
}

func (inv *invocation) Next() ([]byte, error) {
	if inv.streaming {
		for inv.scanner.Scan() {
			line := bytes.TrimSpace(inv.scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			inv.touch()
			out := make([]byte, len(line))
			copy(out, line)
			return out, nil
		}
		if scanErr := inv.scanner.Err(); scanErr != nil {
			// A read failure (line over the scanner cap, broken pipe) can
			// leave the child still writing; kill it so finish cannot block
			// in Wait, and surface the read error instead of the kill.
			inv.cancel()
			inv.finish()
			return nil, &ProcessError{Stage: "run", Err: scanErr, Stderr: inv.stderr.String()}
		}
		return nil, inv.finish()
	}

	if inv.emitted {
		return nil, inv.finish()
	}
	inv.emitted = true
	doc, readErr := io.ReadAll(inv.stdout)
	err := inv.finish()
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		if readErr != nil && err == io.EOF {
			return nil, &ProcessError{Stage: "run", Err: readErr, Stderr: inv.stderr.String()}
		}
		return nil, err
	}
	// A document was produced; surface any exit error on the next pull so
	// the parser sees the payload first.
	return doc, nil
}

// finish waits for the process exactly once and classifies the outcome.
// Clean exits read as io.EOF.
func (inv *invocation) finish() error {
	inv.finishOnce.Do(func() {
		waitErr := inv.cmd.Wait()
		inv.stopOnce.Do(func() { close(inv.stop) })
		removeIfSet(inv.tempPath)
		ctxErr := inv.runCtx.Err()
		inv.cancel()

		switch {
		case waitErr == nil && ctxErr == nil:
			inv.finishErr = io.EOF
		case errors.Is(ctxErr, context.DeadlineExceeded):
			inv.finishErr = &ProcessError{Stage: "run", Timeout: true, Err: ctxErr, Stderr: inv.stderr.String()}
		case errors.Is(ctxErr, context.Canceled):
			inv.finishErr = &ProcessError{Stage: "run", Err: ctxErr, Stderr: inv.stderr.String()}
		default:
			code := -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			}
			inv.finishErr = &ProcessError{Stage: "run", ExitCode: code, Err: waitErr, Stderr: inv.stderr.String()}
		}
	})
	return inv.finishErr
}

// Close kills the process if still running, waits for it, and removes the
// temp file. Safe to call multiple times and required on every exit path.
func (inv *invocation) Close() error {
	inv.cancel()
	if err := inv.finish(); err != io.EOF {
		return err
	}
	return nil
}

func removeIfSet(path string) {
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warnf("temp file cleanup: %v", err)
		}
	}
}

// boundedBuffer keeps the first limit bytes written and drops the rest, so a
// chatty CLI cannot balloon stderr capture.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remain := b.limit - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
