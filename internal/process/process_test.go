package process

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	h := NewHandle([]string{"sh", "-c", "echo hello; echo oops >&2; exit 3"}, Options{})

	res, err := h.Run(context.Background(), 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q, want oops", res.Stderr)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("TimedOut should be false")
	}
	if h.Running() {
		t.Error("handle should not be running after Run returns")
	}
}

func TestRunLargeOutputNoDeadlock(t *testing.T) {
	// 256KB, well above a pipe buffer.
	h := NewHandle([]string{"sh", "-c", "head -c 262144 /dev/zero | tr '\\0' 'x'"}, Options{})

	start := time.Now()
	res, err := h.Run(context.Background(), 10*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Stdout) != 262144 {
		t.Errorf("got %d bytes, want 262144", len(res.Stdout))
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("took %v, possible deadlock", time.Since(start))
	}
}

func TestRunEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	env := append(os.Environ(), "AGENTPOOL_TEST_VAR=42")
	h := NewHandle([]string{"sh", "-c", "echo $AGENTPOOL_TEST_VAR; pwd"}, Options{Dir: dir, Env: env})

	res, err := h.Run(context.Background(), 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "42") {
		t.Errorf("Stdout = %q, want env var value", res.Stdout)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("Stdout = %q, want working dir %s", res.Stdout, dir)
	}
}

func TestRunTimeoutTerminates(t *testing.T) {
	h := NewHandle([]string{"sleep", "30"}, Options{})

	start := time.Now()
	res, err := h.Run(context.Background(), 200*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode == 0 {
		t.Error("timed-out process should not report exit 0")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestRunKillsUnresponsiveChild(t *testing.T) {
	// Ignores SIGTERM, so only the grace-period SIGKILL ends it.
	h := NewHandle([]string{"sh", "-c", "trap '' TERM; sleep 30"}, Options{})

	start := time.Now()
	res, err := h.Run(context.Background(), 100*time.Millisecond, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("kill took %v", time.Since(start))
	}
}

func TestRunContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandle([]string{"sleep", "30"}, Options{})

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := h.Run(ctx, time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("cancelled run should report TimedOut")
	}
}

func TestRunSpawnError(t *testing.T) {
	tests := []struct {
		name string
		argv []string
	}{
		{"empty", nil},
		{"missing binary", []string{"/nonexistent/agentpool-binary"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandle(tt.argv, Options{})
			if _, err := h.Run(context.Background(), time.Second, time.Second); err == nil {
				t.Error("expected spawn error")
			}
		})
	}
}

func TestSignalBeforeStart(t *testing.T) {
	h := NewHandle([]string{"true"}, Options{})
	if err := h.Terminate(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Terminate before start = %v, want ErrNotStarted", err)
	}
	if err := h.Stop(time.Millisecond); err != nil {
		t.Errorf("Stop before start = %v, want nil", err)
	}
}

func TestManagerTracksRunningHandles(t *testing.T) {
	pm := NewManager()
	h := NewHandle([]string{"sleep", "30"}, Options{Manager: pm})

	done := make(chan Result, 1)
	go func() {
		res, _ := h.Run(context.Background(), time.Minute, time.Second)
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Count = %d, want 1", pm.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	select {
	case res := <-done:
		if res.ExitCode == 0 {
			t.Error("killed process should not exit 0")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("process survived KillAll")
	}

	if pm.Count() != 0 {
		t.Errorf("Count = %d after exit, want 0", pm.Count())
	}
}
