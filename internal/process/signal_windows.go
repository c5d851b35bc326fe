//go:build windows

package process

import "os"

// killGroup terminates the process. Windows has no process group signal; the
// child tree is expected to exit once its pipes close.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
