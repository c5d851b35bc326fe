package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrClosed is returned by Write once the process input has been torn down.
// Producers racing a restart treat it as ignorable.
var ErrClosed = errors.New("process input closed")

// waitDelay bounds how long Wait keeps copying stderr after the process exits.
const waitDelay = 2 * time.Second

type startOptions struct {
	stdinPipe  bool
	stdin      io.Reader
	stdoutPipe bool
	env        []string
	onExit     func(ExitStatus)
}

// Option configures Start.
type Option func(*startOptions)

// WithStdinPipe gives the caller a writable process input (see Handle.Write).
func WithStdinPipe() Option { return func(o *startOptions) { o.stdinPipe = true } }

// WithStdin connects r as the process input. An *os.File (for example another
// Handle's Stdout) is handed to the child directly.
func WithStdin(r io.Reader) Option { return func(o *startOptions) { o.stdin = r } }

// WithStdoutPipe exposes the process output through Handle.Stdout.
func WithStdoutPipe() Option { return func(o *startOptions) { o.stdoutPipe = true } }

// WithEnv sets the complete environment of the child.
func WithEnv(env []string) Option { return func(o *startOptions) { o.env = env } }

// WithExitHandler registers fn to be called exactly once when the process exits.
func WithExitHandler(fn func(ExitStatus)) Option { return func(o *startOptions) { o.onExit = fn } }

// Handle owns one running external process: its input and output pipes and
// its diagnostic log. A Handle is never restarted; callers start a new one.
type Handle struct {
	spec Spec
	cmd  *exec.Cmd

	mu      sync.Mutex
	stdin   *os.File // parent write end, nil when not piped or closed
	stdout  *os.File // parent read end
	logw    io.WriteCloser
	killed  bool
	exited  bool
	status  Status
	onExit  func(ExitStatus)
	done    chan struct{}
	exitSt  ExitStatus
	release sync.Once
}

// Start spawns the process described by spec.
func Start(spec Spec, opts ...Option) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	switch {
	case o.env != nil:
		cmd.Env = o.env
	case len(spec.Env) > 0:
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	h := &Handle{spec: spec, cmd: cmd, onExit: o.onExit, done: make(chan struct{})}

	// child ends are closed in the parent once the child holds them
	var childEnds []*os.File
	cleanup := func() {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}
	fail := func(err error) (*Handle, error) {
		cleanup()
		h.closePipes()
		h.closeLog()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	switch {
	case o.stdinPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return fail(err)
		}
		cmd.Stdin = r
		h.stdin = w
		childEnds = append(childEnds, r)
	case o.stdin != nil:
		cmd.Stdin = o.stdin
	}

	if o.stdoutPipe {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(err)
		}
		cmd.Stdout = w
		h.stdout = r
		childEnds = append(childEnds, w)
	}

	lw, err := spec.Log.ProcessWriter(spec.Name)
	if err != nil {
		return fail(err)
	}
	if lw != nil {
		h.logw = lw
		cmd.Stderr = lw
	}

	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	cleanup()

	h.status = Status{
		Name:      spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		LogPath:   spec.Log.Path(spec.Name),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
	}

	h.mu.Lock()
	h.exited = true
	h.status.Running = false
	h.status.StoppedAt = time.Now()
	h.status.ExitCode = code
	st := ExitStatus{
		Name:      h.spec.Name,
		PID:       h.status.PID,
		Code:      code,
		Err:       err,
		Requested: h.killed,
	}
	h.exitSt = st
	stdin := h.stdin
	h.stdin = nil
	fn := h.onExit
	h.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	h.closeLog()
	close(h.done)
	if fn != nil {
		fn(st)
	}
}

// Name returns the process role name.
func (h *Handle) Name() string { return h.spec.Name }

// PID returns the operating system process id.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status.PID
}

// Stdout returns the read end of the process output, or nil when the output
// is not piped. The file is closed by Kill.
func (h *Handle) Stdout() *os.File {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout
}

// Write writes p to the process input. It returns ErrClosed when the input
// has been torn down or the process has gone away.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	w := h.stdin
	h.mu.Unlock()
	if w == nil {
		return 0, ErrClosed
	}
	n, err := w.Write(p)
	if err != nil && (errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE)) {
		return n, ErrClosed
	}
	return n, err
}

// SetWriteDeadline bounds a pending Write and every later one; the zero
// time clears it. Interrupted writes fail with os.ErrDeadlineExceeded.
// Pipes on Windows do not support deadlines.
func (h *Handle) SetWriteDeadline(t time.Time) error {
	h.mu.Lock()
	w := h.stdin
	h.mu.Unlock()
	if w == nil {
		return ErrClosed
	}
	return w.SetWriteDeadline(t)
}

// Kill terminates the process group and releases the pipes. Only the first
// call sends a signal; later calls are no-ops.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.status.Killed = true
	exited := h.exited
	pid := h.status.PID
	h.mu.Unlock()

	if !exited {
		_ = killGroup(pid)
	}
	h.closePipes()
}

// Done is closed after the process has exited and its exit handler has been
// scheduled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process exits and returns its exit status.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitSt
}

// Status returns a snapshot of the process state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) closePipes() {
	h.release.Do(func() {
		h.mu.Lock()
		stdin, stdout := h.stdin, h.stdout
		h.stdin = nil
		h.mu.Unlock()
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != nil {
			_ = stdout.Close()
		}
	})
}

func (h *Handle) closeLog() {
	h.mu.Lock()
	lw := h.logw
	h.logw = nil
	h.mu.Unlock()
	if lw != nil {
		_ = lw.Close()
	}
}
