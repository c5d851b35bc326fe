//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestKillReachesShellChildren(t *testing.T) {
	h, err := Start(Spec{Name: "tree", Command: "sh -c 'sleep 30 | cat'"}, WithStdoutPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := h.PID()
	h.Kill()
	waitExit(t, h)
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := syscall.Kill(-pid, 0)
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process group %d still alive: %v", pid, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWriteDeadlineInterruptsBlockedWrite(t *testing.T) {
	h, err := Start(Spec{Name: "stall", Command: "sleep 30"}, WithStdinPipe())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Kill()
	if err := h.SetWriteDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, err = h.Write(bytes.Repeat([]byte{'x'}, 1<<20))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	h.Kill()
	if err := h.SetWriteDeadline(time.Time{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after kill, got %v", err)
	}
}
