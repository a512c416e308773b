package proc

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Handle owns one spawned worker process. Each handle has exactly one reaper
// goroutine calling cmd.Wait; all other observers use Done().
// Termination goes through Stop/Kill; a Handle is never left to the garbage
// collector to reap.
type Handle struct {
	spec Spec

	mu        sync.Mutex
	pid       int
	startedAt time.Time
	exitErr   error
	exited    bool
	stopping  bool
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	waitDone chan struct{} // closed by the reaper when cmd.Wait returns
}

// Start spawns the worker described by spec in its own process group and
// begins reaping it. The credential handle and port travel in spec.Env.
func Start(spec Spec) (*Handle, error) {
	cmd := spec.buildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &Handle{spec: spec, waitDone: make(chan struct{})}
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.InstanceID)
		h.outCloser, h.errCloser = outW, errW
		cmd.Stdout = writerOrNull(outW)
		cmd.Stderr = writerOrNull(errW)
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, err
	}
	h.mu.Lock()
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.exitErr = err
		h.mu.Unlock()
		h.closeWriters()
		close(h.waitDone)
	}()
	return h, nil
}

func writerOrNull(w io.WriteCloser) io.Writer {
	if w != nil {
		return w
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return null
}

func (h *Handle) closeWriters() {
	h.mu.Lock()
	out, errW := h.outCloser, h.errCloser
	h.outCloser, h.errCloser = nil, nil
	h.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// StartedAt returns when the child was spawned.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// ExitErr returns the child's exit error after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Exited reports whether the child has been reaped.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// StopRequested reports whether Stop or Kill was invoked, distinguishing
// requested termination from a crash.
func (h *Handle) StopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Alive probes OS-level liveness, treating a zombie as dead.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	pid := h.pid
	exited := h.exited
	h.mu.Unlock()
	if exited || pid == 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Stop sends SIGTERM to the process group, waits up to grace, then escalates
// to SIGKILL. It returns the exit error once the child is reaped.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	h.stopping = true
	pid := h.pid
	exited := h.exited
	h.mu.Unlock()
	if exited || pid == 0 {
		return h.ExitErr()
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-h.waitDone:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-h.waitDone:
		case <-time.After(2 * time.Second):
			// best-effort; the reaper will finish eventually
		}
	}
	return h.ExitErr()
}

// Kill sends SIGKILL to the process group and waits briefly for the reap.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.stopping = true
	pid := h.pid
	exited := h.exited
	h.mu.Unlock()
	if exited || pid == 0 {
		return h.ExitErr()
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-h.waitDone:
	case <-time.After(2 * time.Second):
	}
	return h.ExitErr()
}

// isZombie returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// AlivePID probes an arbitrary PID, used by the reconciler for processes the
// orchestrator did not spawn in this run.
func AlivePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
