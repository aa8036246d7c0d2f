// Package worker drives one child interpreter process: it owns the pipe
// pair connecting to the child's stdin/stdout, re-assembles the child's
// NUL-delimited output into discrete frames, and delivers them (or a
// terminal failure) to the conductor through callbacks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"wpwrapperd/internal/osiface"
	"wpwrapperd/internal/wpwerr"
)

// ReadBufferSize is the size of the buffer the reader goroutine reads the
// child's stdout into. 4096 bytes comfortably holds a typical sertop
// response without forcing a remainder split on every read.
const ReadBufferSize = 4096

// GracefulShutdownTimeout is how long Close waits for the child to exit on
// its own (after its stdin is closed) before escalating to terminate (SIGTERM
// to its process group on POSIX, a kill on Windows).
const GracefulShutdownTimeout = 500 * time.Millisecond

// FrameCallback is invoked once per complete frame the child emits.
type FrameCallback func(instanceID uint32, frame []byte)

// FailureCallback is invoked once the worker has failed and is no longer
// usable.
type FailureCallback func(instanceID uint32, err error)

// SpawnError wraps a failure that occurred while constructing a Worker. It
// carries a numeric code so callers can distinguish failure causes without
// string-matching the message, mirroring how errors.As unwraps an
// *exec.Error or *os.SyscallError for its Errno.
type SpawnError struct {
	Code int
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn failed (code %d): %v", e.Code, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

func newSpawnError(err error) *SpawnError {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &SpawnError{Code: exitErr.ExitCode(), Err: err}
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &SpawnError{Code: int(errno), Err: err}
	}
	return &SpawnError{Code: -1, Err: err}
}

// Config configures a Worker's construction.
type Config struct {
	InstanceID uint32
	Path       string
	Args       []string
	Spawner    osiface.Spawner

	OnFrame   []FrameCallback
	OnFailure []FailureCallback
}

// Worker owns one child process and the two goroutines (reader, writer)
// that drive it.
type Worker struct {
	id      uint32
	handle  osiface.ProcessHandle
	stdin   io.WriteCloser
	onFrame []FrameCallback
	onFail  []FailureCallback

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	running bool

	closing  atomic.Bool
	failOnce sync.Once
	wg       sync.WaitGroup
}

// New spawns the child described by cfg and starts its reader and writer
// goroutines. --print0 is always appended to Args: the wire contract
// requires the child to emit NUL-terminated frames.
//
// Construction failure (the spawn itself failing) tears down anything
// already allocated and returns a *SpawnError; no goroutines are left
// running.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	args := append(append([]string(nil), cfg.Args...), "--print0")

	handle, err := cfg.Spawner.Spawn(ctx, cfg.Path, args)
	if err != nil {
		return nil, newSpawnError(err)
	}

	w := &Worker{
		id:      cfg.InstanceID,
		handle:  handle,
		stdin:   handle.Stdin(),
		onFrame: append([]FrameCallback(nil), cfg.OnFrame...),
		onFail:  append([]FailureCallback(nil), cfg.OnFailure...),
		running: true,
	}
	w.cond = sync.NewCond(&w.queueMu)

	w.wg.Add(2)
	go w.readLoop()
	go w.writeLoop()

	return w, nil
}

// ID returns the worker's instance id.
func (w *Worker) ID() uint32 { return w.id }

// Signal delivers sig to the child process without affecting the worker's
// own lifecycle (unlike Close, the child is expected to keep running).
func (w *Worker) Signal(sig os.Signal) error {
	return w.handle.Signal(sig)
}

// Enqueue appends message to the outbound-to-child queue and wakes the
// writer goroutine. Safe to call after the worker has failed: the write is
// simply dropped once running is false.
func (w *Worker) Enqueue(message []byte) {
	w.queueMu.Lock()
	if !w.running {
		w.queueMu.Unlock()
		return
	}
	w.queue = append(w.queue, message)
	w.queueMu.Unlock()
	w.cond.Signal()
}

func (w *Worker) writeLoop() {
	defer w.wg.Done()

	for {
		w.queueMu.Lock()
		for len(w.queue) == 0 && w.running {
			w.cond.Wait()
		}
		if !w.running && len(w.queue) == 0 {
			w.queueMu.Unlock()
			return
		}
		message := w.queue[0]
		w.queue = w.queue[1:]
		w.queueMu.Unlock()

		if err := w.writeAll(message); err != nil {
			w.fail(wpwerr.NewTransport("write child stdin", err))
			return
		}
	}
}

func (w *Worker) writeAll(message []byte) error {
	for len(message) > 0 {
		n, err := w.stdin.Write(message)
		if err != nil {
			return err
		}
		message = message[n:]
	}
	return nil
}

func (w *Worker) readLoop() {
	defer w.wg.Done()

	var splitter FrameSplitter
	buf := make([]byte, ReadBufferSize)
	stdout := w.handle.Stdout()

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, frame := range splitter.Feed(buf[:n]) {
				for _, cb := range w.onFrame {
					cb(w.id, frame)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.fail(wpwerr.NewTransport("read child stdout", io.EOF))
			} else {
				w.fail(wpwerr.NewTransport("read child stdout", err))
			}
			return
		}
	}
}

// fail marks the worker dead and notifies subscribers exactly once, no
// matter how many goroutines observe the failure concurrently. If the
// worker is already being torn down by an explicit Close, the failure is
// the expected consequence of that teardown (a closed stdout/stdin
// unblocking a goroutine's Read/Write) and onFail is not invoked: the
// conductor already knows this worker is going away and must not see a
// second, spurious failure response after its destroy response.
func (w *Worker) fail(err error) {
	w.failOnce.Do(func() {
		w.queueMu.Lock()
		w.running = false
		w.queueMu.Unlock()
		w.cond.Broadcast()

		// Closing stdout unblocks a reader that failed via the writer's
		// path (or is a no-op if the reader itself just failed); this is
		// this module's self-pipe: a goroutine blocked in Read on a pipe
		// file unblocks the instant the file is closed elsewhere.
		_ = w.handle.Stdout().Close()

		if w.closing.Load() {
			return
		}

		for _, cb := range w.onFail {
			cb(w.id, err)
		}
	})
}

// Close tears down the worker: it stops accepting new messages, wakes both
// goroutines, closes stdin (so the child observes EOF and should exit on
// its own), waits up to GracefulShutdownTimeout for that exit, and escalates
// to terminate otherwise. Close is safe to call on an already-failed
// worker.
func (w *Worker) Close() error {
	w.closing.Store(true)

	w.queueMu.Lock()
	w.running = false
	w.queueMu.Unlock()
	w.cond.Broadcast()
	_ = w.handle.Stdout().Close()

	w.wg.Wait()

	_ = w.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- w.handle.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(GracefulShutdownTimeout):
		log.Printf("[worker %d] child did not exit within %s, terminating", w.id, GracefulShutdownTimeout)
		if err := terminate(w.handle); err != nil {
			return fmt.Errorf("terminating child: %w", err)
		}
		<-done
		return nil
	}
}
