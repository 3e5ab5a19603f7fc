package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotStarted is returned when signalling a handle whose process never started.
var ErrNotStarted = errors.New("process not started")

// Options control how a command is spawned.
type Options struct {
	Dir     string   // Working directory; empty means the caller's
	Env     []string // Full environment; nil inherits the caller's
	Manager *Manager // Optional registry used for shutdown cleanup
}

// Result describes a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Handle owns a single child process from spawn to exit. The child runs in
// its own process group so signals reach everything it forks.
type Handle struct {
	argv []string
	opts Options

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// NewHandle prepares a handle for argv. Nothing runs until Run is called.
func NewHandle(argv []string, opts Options) *Handle {
	return &Handle{
		argv: append([]string(nil), argv...),
		opts: opts,
		done: make(chan struct{}),
	}
}

// Pid returns the child's process ID, or 0 before it starts.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Running reports whether the child has started and not yet exited.
func (h *Handle) Running() bool {
	h.mu.Lock()
	started := h.cmd != nil && h.cmd.Process != nil
	h.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Run starts the command and waits for it to exit. If it outlives timeout
// (or ctx is cancelled) the process group gets SIGTERM, then SIGKILL once
// grace has passed. A non-zero exit is reported in Result, not as an error;
// the error return is reserved for failures to spawn.
func (h *Handle) Run(ctx context.Context, timeout, grace time.Duration) (Result, error) {
	if len(h.argv) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.Command(h.argv[0], h.argv[1:]...)
	cmd.Dir = h.opts.Dir
	cmd.Env = h.opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	h.mu.Lock()
	if h.cmd != nil {
		h.mu.Unlock()
		return Result{}, errors.New("handle already used")
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		return Result{}, fmt.Errorf("failed to start command: %w", err)
	}
	h.cmd = cmd
	h.mu.Unlock()

	if h.opts.Manager != nil {
		h.opts.Manager.Track(h)
		defer h.opts.Manager.Untrack(h)
	}

	// Drain both pipes before Wait so a chatty child cannot fill a pipe
	// buffer and block forever.
	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	go func() {
		wg.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()

	var timedOut bool
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-h.done:
	case <-deadline:
		timedOut = true
		h.Stop(grace)
	case <-ctx.Done():
		timedOut = true
		h.Stop(grace)
	}
	<-h.done

	h.mu.Lock()
	waitErr := h.waitErr
	h.mu.Unlock()

	res := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		TimedOut: timedOut,
		Duration: time.Since(start),
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}
	return res, nil
}

// Terminate sends SIGTERM to the child's process group.
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func (h *Handle) Kill() error {
	return h.signal(syscall.SIGKILL)
}

// Stop terminates the child and kills it if it has not exited within grace.
// It returns once the child is gone or the kill was sent.
func (h *Handle) Stop(grace time.Duration) error {
	if !h.Running() {
		return nil
	}
	if err := h.Terminate(); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	if err := h.Kill(); err != nil {
		return err
	}
	select {
	case <-h.done:
	case <-time.After(grace):
	}
	return nil
}

// Done is closed once the child has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) signal(sig syscall.Signal) error {
	pid := h.Pid()
	if pid == 0 {
		return ErrNotStarted
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	// Negative PID addresses the whole process group.
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}
