// Package pidfile records the relay PID together with the process start time,
// so a stale file whose PID was reused by another process is not mistaken for
// a running relay.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// ErrRunning is returned by Acquire when the file names a live process.
var ErrRunning = errors.New("already running")

// startUnix returns the process start time in Unix seconds, 0 when unknown.
func startUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// Write stores pid and, when known, its start time.
func Write(path string, pid int) error {
	var b strings.Builder
	b.WriteString(strconv.Itoa(pid))
	b.WriteByte('\n')
	if st := startUnix(pid); st > 0 {
		m, _ := json.Marshal(meta{StartUnix: st})
		b.Write(m)
		b.WriteByte('\n')
	}
	// #nosec G306
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// Alive reads path and reports the recorded PID and whether that process
// still runs. A missing file is not an error.
func Alive(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, false, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return pid, false, nil
	}
	if len(lines) >= 2 {
		var m meta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil && m.StartUnix > 0 {
			if cur := startUnix(pid); cur > 0 && cur != m.StartUnix {
				// PID reused; not our process
				return pid, false, nil
			}
		}
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return pid, false, err
	}
	return pid, ok, nil
}

// Acquire writes pid to path unless the file already names a live process.
func Acquire(path string, pid int) error {
	other, alive, err := Alive(path)
	if err != nil {
		return err
	}
	if alive && other != pid {
		return fmt.Errorf("%w with PID %d (%s)", ErrRunning, other, path)
	}
	return Write(path, pid)
}

// Remove deletes path; an empty path or a missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
