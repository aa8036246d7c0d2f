package osiface

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// FakeProcessHandle is an in-memory ProcessHandle used by worker and
// conductor unit tests. Tests write to Stdout (simulating child output) and
// read from Stdin (simulating what the worker wrote to the child).
type FakeProcessHandle struct {
	StdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutW *io.PipeWriter
	StdoutR *io.PipeReader

	mu        sync.Mutex
	signals   []os.Signal
	killed    bool
	waitErr   error
	waitCh    chan struct{}
	waitOnce  sync.Once
	pid       int
}

// NewFakeProcessHandle creates a fake handle with id used as its fake pid.
func NewFakeProcessHandle(pid int) *FakeProcessHandle {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &FakeProcessHandle{
		StdinR:  stdinR,
		stdinW:  stdinW,
		stdoutW: stdoutW,
		StdoutR: stdoutR,
		waitCh:  make(chan struct{}),
		pid:     pid,
	}
}

func (h *FakeProcessHandle) Stdin() io.WriteCloser  { return h.stdinW }
func (h *FakeProcessHandle) Stdout() io.ReadCloser { return h.StdoutR }

// StdoutW returns the write end of the fake child's stdout pipe, used by
// tests to simulate the child emitting output.
func (h *FakeProcessHandle) StdoutW() *io.PipeWriter { return h.stdoutW }

// Exit simulates the child exiting with err, unblocking any Wait call.
func (h *FakeProcessHandle) Exit(err error) {
	h.waitOnce.Do(func() {
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.waitCh)
	})
}

func (h *FakeProcessHandle) Wait() error {
	<-h.waitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Signal records sig. A SIGTERM or SIGKILL also ends the fake process,
// mirroring the default, unhandled disposition of those signals on a real
// child and letting a pending Wait return instead of blocking forever.
func (h *FakeProcessHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()

	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		h.Exit(fmt.Errorf("signal: %v", sig))
	}
	return nil
}

func (h *FakeProcessHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.Exit(fmt.Errorf("killed"))
	return nil
}

func (h *FakeProcessHandle) Pid() int { return h.pid }

// Signals returns the signals sent to this handle so far.
func (h *FakeProcessHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]os.Signal, len(h.signals))
	copy(out, h.signals)
	return out
}

// Killed reports whether Kill was called.
func (h *FakeProcessHandle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// FakeSpawner hands out FakeProcessHandles, recording every spawn request.
type FakeSpawner struct {
	mu      sync.Mutex
	nextPid int
	handles []*FakeProcessHandle
	specs   []SpawnSpec

	// SpawnErr, when set, makes the next Spawn call fail.
	SpawnErr error
}

// SpawnSpec records one Spawn call's arguments.
type SpawnSpec struct {
	Path string
	Args []string
}

// NewFakeSpawner returns an empty FakeSpawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{nextPid: 1000}
}

func (s *FakeSpawner) Spawn(ctx context.Context, path string, args []string) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SpawnErr != nil {
		err := s.SpawnErr
		s.SpawnErr = nil
		return nil, err
	}

	s.specs = append(s.specs, SpawnSpec{Path: path, Args: args})

	h := NewFakeProcessHandle(s.nextPid)
	s.nextPid++
	s.handles = append(s.handles, h)
	return h, nil
}

// Handles returns every handle spawned so far, in spawn order.
func (s *FakeSpawner) Handles() []*FakeProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FakeProcessHandle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Specs returns the arguments of every Spawn call so far, in call order.
func (s *FakeSpawner) Specs() []SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpawnSpec, len(s.specs))
	copy(out, s.specs)
	return out
}
