// Package conductor is the coordination hub: it owns every live worker, owns
// the wire server, and is the only place that dispatches a decoded request
// to an action. Requests and responses cross goroutine boundaries through
// two mutex-guarded queues, so dispatching requests and forwarding
// responses to the server both happen on the single run-loop goroutine.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"wpwrapperd/internal/osiface"
	"wpwrapperd/internal/protocol"
	"wpwrapperd/internal/wireserver"
	"wpwrapperd/internal/worker"
	"wpwrapperd/internal/wpwerr"
)

// tickInterval is how often the run loop wakes even without a signal, so a
// stop request set between signals is never missed for long.
const tickInterval = 500 * time.Millisecond

// Config configures a Conductor.
type Config struct {
	ListenAddr string
	Spawner    osiface.Spawner

	// DefaultPath and DefaultArgs are used for a create request whose
	// content is empty or omits "path", matching the original wrapper's
	// backwards-compatible behavior for clients that predate per-session
	// child configuration.
	DefaultPath string
	DefaultArgs []string
}

// Conductor owns the workers map and the wire server, and runs the single
// coordination goroutine that dispatches requests to actions and forwards
// responses back out to the server.
type Conductor struct {
	spawner     osiface.Spawner
	defaultPath string
	defaultArgs []string
	server      *wireserver.Server

	mu          sync.Mutex
	workers     map[uint32]*worker.Worker
	inQueue     []protocol.Request
	outQueue    []protocol.Response
	invalidated []uint32

	serverFailed   bool
	signalReceived bool

	// wake is the channel variant of a condition variable's signal: a
	// buffered, non-blocking send here wakes the run loop the moment there
	// is new work, without it having to busy-poll faster than tickInterval.
	wake chan struct{}
}

// New constructs a Conductor and its wire server. The server is already
// listening (and its port known) when New returns; Run must still be called
// to start serving.
func New(cfg Config) (*Conductor, error) {
	c := &Conductor{
		spawner:     cfg.Spawner,
		defaultPath: cfg.DefaultPath,
		defaultArgs: cfg.DefaultArgs,
		workers:     make(map[uint32]*worker.Worker),
		wake:        make(chan struct{}, 1),
	}

	server, err := wireserver.New(wireserver.Config{
		Addr:         cfg.ListenAddr,
		OnRequest:    c.handleRequest,
		OnFailure:    c.handleServerFailure,
		OnInvalidate: c.handleInvalidate,
	})
	if err != nil {
		return nil, wpwerr.NewFatalStartup("start wire server", err)
	}
	c.server = server

	return c, nil
}

// Addr returns the server's bound address.
func (c *Conductor) Addr() string { return c.server.Addr().String() }

func (c *Conductor) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conductor) handleRequest(req protocol.Request) {
	c.mu.Lock()
	c.inQueue = append(c.inQueue, req)
	c.mu.Unlock()
	c.signal()
}

func (c *Conductor) handleServerFailure(err error) {
	log.Printf("wire server failed: %v", err)
	c.mu.Lock()
	c.serverFailed = true
	c.mu.Unlock()
	c.signal()
}

// handleInvalidate is called synchronously from the wire server's own
// goroutines (including its single shared writer goroutine), so it must
// never block on tearing down a worker itself: it only records the
// instance_id and wakes the run loop, which does the actual Close call on
// its own goroutine.
func (c *Conductor) handleInvalidate(instanceID uint32) {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, instanceID)
	c.mu.Unlock()
	c.signal()
}

// Run starts the wire server and blocks, dispatching requests and draining
// responses, until ctx is cancelled, a stop request is dispatched, or the
// server fails. Run
// wakes every tickInterval even without a signal, exactly mirroring the
// condition variable's timed-wait fallback.
func (c *Conductor) Run(ctx context.Context) {
	go c.server.Serve(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
		case <-c.wake:
		}

		c.mu.Lock()
		reqs := c.inQueue
		c.inQueue = nil
		invalidated := c.invalidated
		c.invalidated = nil
		failed := c.serverFailed
		stop := c.signalReceived
		c.mu.Unlock()

		for _, req := range reqs {
			c.dispatch(req)
		}

		for _, instanceID := range invalidated {
			c.destroyInvalidated(instanceID)
		}

		c.mu.Lock()
		resps := c.outQueue
		c.outQueue = nil
		c.mu.Unlock()

		for _, resp := range resps {
			c.server.Enqueue(resp)
		}

		if failed || stop {
			c.shutdown()
			return
		}
	}
}

// shutdown tears down every live worker and stops the server. Called once,
// from the run loop, when the loop is about to exit.
func (c *Conductor) shutdown() {
	c.mu.Lock()
	workers := make([]*worker.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.workers = make(map[uint32]*worker.Worker)
	c.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			log.Printf("closing worker %d: %v", w.ID(), err)
		}
	}

	c.server.Stop()
}

func (c *Conductor) pushResponse(resp protocol.Response) {
	c.mu.Lock()
	c.outQueue = append(c.outQueue, resp)
	c.mu.Unlock()
	c.signal()
}

func (c *Conductor) dispatch(req protocol.Request) {
	switch req.Verb {
	case protocol.VerbCreate:
		c.dispatchCreate(req)
	case protocol.VerbDestroy:
		c.dispatchDestroy(req)
	case protocol.VerbForward:
		c.dispatchForward(req)
	case protocol.VerbInterrupt:
		c.dispatchInterrupt(req)
	case protocol.VerbStop:
		c.mu.Lock()
		c.signalReceived = true
		c.mu.Unlock()
		c.signal()
	default:
		log.Printf("ignoring request with unknown verb %q", req.Verb)
	}
}

func (c *Conductor) dispatchCreate(req protocol.Request) {
	opts := protocol.CreateOptions{Path: c.defaultPath, Args: c.defaultArgs}

	if req.Content != "" {
		if err := json.Unmarshal([]byte(req.Content), &opts); err != nil {
			c.pushResponse(protocol.Response{
				Status:     protocol.StatusFailure,
				Verb:       protocol.VerbCreate,
				InstanceID: req.InstanceID,
				Content:    fmt.Sprintf("parsing create options: %v", err),
				Priority:   1,
			})
			return
		}
		if opts.Path == "" {
			opts.Path = c.defaultPath
		}
	}

	w, err := worker.New(context.Background(), worker.Config{
		InstanceID: req.InstanceID,
		Path:       opts.Path,
		Args:       opts.Args,
		Spawner:    c.spawner,
		OnFrame:    []worker.FrameCallback{c.onWorkerFrame},
		OnFailure:  []worker.FailureCallback{c.onWorkerFailure},
	})
	if err != nil {
		c.pushResponse(protocol.Response{
			Status:     protocol.StatusFailure,
			Verb:       protocol.VerbCreate,
			InstanceID: req.InstanceID,
			Content:    err.Error(),
			Priority:   1,
		})
		return
	}

	c.mu.Lock()
	c.workers[req.InstanceID] = w
	c.mu.Unlock()

	c.pushResponse(protocol.Response{
		Status:     protocol.StatusSuccess,
		Verb:       protocol.VerbCreate,
		InstanceID: req.InstanceID,
		Priority:   1,
	})
}

// destroyInvalidated tears down the worker, if any, that was mapped to a
// connection which just went away. The connection is already unmapped by
// the wire server before handleInvalidate fires, so the synthetic destroy
// response pushed here can never actually reach a client; it is pushed
// anyway for symmetry with onWorkerFailure and to exercise the same path a
// future routing change might re-enable.
func (c *Conductor) destroyInvalidated(instanceID uint32) {
	c.mu.Lock()
	w, ok := c.workers[instanceID]
	delete(c.workers, instanceID)
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := w.Close(); err != nil {
		log.Printf("closing worker %d on invalidate: %v", w.ID(), err)
	}

	c.pushResponse(protocol.Response{
		Status:     protocol.StatusFailure,
		Verb:       protocol.VerbDestroy,
		InstanceID: instanceID,
		Content:    "client connection closed",
		Priority:   1,
	})
}

func (c *Conductor) dispatchDestroy(req protocol.Request) {
	c.mu.Lock()
	w, ok := c.workers[req.InstanceID]
	delete(c.workers, req.InstanceID)
	c.mu.Unlock()

	if ok {
		if err := w.Close(); err != nil {
			log.Printf("closing worker %d on destroy: %v", w.ID(), err)
		}
	}

	c.server.Unmap(req.InstanceID, protocol.Response{
		Status:     protocol.StatusSuccess,
		Verb:       protocol.VerbDestroy,
		InstanceID: req.InstanceID,
		Priority:   1,
	})
}

func (c *Conductor) dispatchForward(req protocol.Request) {
	c.mu.Lock()
	w, ok := c.workers[req.InstanceID]
	c.mu.Unlock()

	if !ok {
		return
	}
	w.Enqueue([]byte(req.Content))
}

func (c *Conductor) dispatchInterrupt(req protocol.Request) {
	c.mu.Lock()
	w, ok := c.workers[req.InstanceID]
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := interrupt(w); err != nil {
		log.Printf("interrupting worker %d: %v", w.ID(), err)
	}
}

// interrupt signals w to interrupt its current computation without killing
// it. On POSIX this is SIGINT; Windows' os.Process.Signal only implements
// os.Kill, so there the call is a logged no-op rather than a silent
// behavior difference.
func interrupt(w *worker.Worker) error {
	if runtime.GOOS == "windows" {
		return fmt.Errorf("interrupt not supported on %s", runtime.GOOS)
	}
	return w.Signal(os.Interrupt)
}

func (c *Conductor) onWorkerFrame(instanceID uint32, frame []byte) {
	c.pushResponse(protocol.Response{
		Status:     protocol.StatusSuccess,
		Verb:       protocol.VerbForward,
		InstanceID: instanceID,
		Content:    string(frame),
		Priority:   1,
	})
}

func (c *Conductor) onWorkerFailure(instanceID uint32, err error) {
	c.mu.Lock()
	delete(c.workers, instanceID)
	c.mu.Unlock()

	c.pushResponse(protocol.Response{
		Status:     protocol.StatusFailure,
		Verb:       protocol.VerbDestroy,
		InstanceID: instanceID,
		Content:    err.Error(),
		Priority:   1,
	})
}
