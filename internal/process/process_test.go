package process

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/onair/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/cat/sleep on Unix-like systems")
	}
}

func waitExit(t *testing.T, h *Handle) ExitStatus {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(5 * time.Second):
		t.Fatalf("process %s did not exit", h.Name())
		return ExitStatus{}
	}
}

func TestStartPipesStdinToStdout(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "cat", Command: "cat"}, WithStdinPipe(), WithStdoutPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Kill()

	if st := h.Status(); !st.Running || st.PID <= 0 || st.Name != "cat" {
		t.Fatalf("unexpected status after start: %+v", st)
	}
	if _, err := h.Write([]byte("chunk")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(h.Stdout(), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "chunk" {
		t.Fatalf("got %q", buf)
	}
}

func TestExitHandlerReportsCodeOnce(t *testing.T) {
	requireUnix(t)
	var calls atomic.Int32
	got := make(chan ExitStatus, 2)
	h, err := Start(Spec{Name: "exit3", Command: "sh -c 'exit 3'"}, WithExitHandler(func(st ExitStatus) {
		calls.Add(1)
		got <- st
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitExit(t, h)
	if st.Code != 3 || st.Requested {
		t.Fatalf("unexpected exit status: %+v", st)
	}
	<-got
	h.Kill()
	h.Kill()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("exit handler called %d times", calls.Load())
	}
}

func TestKillIsRequestedAndIdempotent(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "sleeper", Command: "sleep 30"}, WithStdinPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Kill()
	h.Kill()
	st := waitExit(t, h)
	if !st.Requested || st.Code != -1 {
		t.Fatalf("expected requested signal exit, got %+v", st)
	}
	if !h.Status().Killed || h.Status().Running {
		t.Fatalf("unexpected status: %+v", h.Status())
	}
}

func TestWriteAfterKillReturnsErrClosed(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "sink", Command: "cat"}, WithStdinPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Kill()
	waitExit(t, h)
	if _, err := h.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStdoutChainsIntoNextProcess(t *testing.T) {
	requireUnix(t)
	first, err := Start(Spec{Name: "pull", Command: "echo live"}, WithStdoutPipe())
	if err != nil {
		t.Fatalf("start pull: %v", err)
	}
	defer first.Kill()
	second, err := Start(Spec{Name: "normalize", Command: "tr a-z A-Z"}, WithStdin(first.Stdout()), WithStdoutPipe())
	if err != nil {
		t.Fatalf("start normalize: %v", err)
	}
	defer second.Kill()
	out, _ := io.ReadAll(second.Stdout())
	if strings.TrimSpace(string(out)) != "LIVE" {
		t.Fatalf("unexpected chained output %q", out)
	}
}

func TestStderrCapturedToLogFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := Spec{
		Name:    "ffmpegout",
		Command: "sh -c 'echo diag 1>&2'",
		Log:     logger.FileConfig{Enabled: true, Dir: dir},
	}
	h, err := Start(spec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitExit(t, h)
	if h.Status().LogPath != filepath.Join(dir, "ffmpegout.stderr.log") {
		t.Fatalf("unexpected log path %q", h.Status().LogPath)
	}
	b, err := os.ReadFile(h.Status().LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "diag") {
		t.Fatalf("stderr not captured: %q", b)
	}
}

func TestStartFailure(t *testing.T) {
	_, err := Start(Spec{Name: "missing", Command: "/nonexistent/binary-for-onair"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if !strings.Contains(err.Error(), "start missing") {
		t.Fatalf("error not wrapped with name: %v", err)
	}
	if _, err := Start(Spec{Command: "true"}); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestEnvIsApplied(t *testing.T) {
	requireUnix(t)
	h, err := Start(Spec{Name: "env", Command: "sh -c 'printf %s \"$ONAIR_ROLE\"'"},
		WithEnv([]string{"ONAIR_ROLE=fallback"}), WithStdoutPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Kill()
	out, _ := io.ReadAll(h.Stdout())
	if string(out) != "fallback" {
		t.Fatalf("env not applied: %q", out)
	}
}
