// Package wireserver accepts TCP clients and multiplexes the length-prefixed
// JSON request/response protocol across them, routing by instance_id the way
// internal/worker routes by child process.
package wireserver

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"net"
	"sync"

	"wpwrapperd/internal/protocol"
	"wpwrapperd/internal/wpwerr"
)

// RequestCallback is invoked once per decoded request. For create requests
// the instance_id field has already been rewritten to the server-assigned
// id before this is called.
type RequestCallback func(req protocol.Request)

// FailureCallback is invoked once if the listener itself fails
// unexpectedly (anything other than a deliberate Stop).
type FailureCallback func(err error)

// InvalidateCallback is invoked once per instance_id that was routed
// through a connection which just went away.
type InvalidateCallback func(instanceID uint32)

// Config configures a Server.
type Config struct {
	// Addr is the address to bind, e.g. "127.0.0.1:0" for an ephemeral port.
	Addr string

	OnRequest    RequestCallback
	OnFailure    FailureCallback
	OnInvalidate InvalidateCallback
}

// Server accepts client connections and routes requests/responses between
// them and the conductor.
type Server struct {
	cfg      Config
	listener net.Listener

	clientsMu  sync.Mutex
	clients    map[int64]*serverConn
	routes     map[uint32]int64 // instance_id -> connection id
	nextConnID int64
	nextInst   uint32

	queueMu sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	nextID  uint64
	running bool

	wg sync.WaitGroup
}

type serverConn struct {
	id     int64
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
}

// New creates a Server bound to cfg.Addr. The listener is open immediately,
// so Addr() is valid as soon as New returns, before Serve is ever called.
func New(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, wpwerr.NewFatalStartup("bind listener", err)
	}

	s := &Server{
		cfg:      cfg,
		listener: listener,
		clients:  make(map[int64]*serverConn),
		routes:   make(map[uint32]int64),
		running:  true,
	}
	s.cond = sync.NewCond(&s.queueMu)
	return s, nil
}

// Addr returns the bound address, including the OS-assigned port.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop and the writer goroutine. It blocks until Stop
// is called or the listener fails.
func (s *Server) Serve(ctx context.Context) {
	log.Printf("started listening on port %d", s.listener.Addr().(*net.TCPAddr).Port)

	s.wg.Add(1)
	go s.writeLoop()

	s.acceptLoop(ctx)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.cfg.OnFailure != nil {
				s.cfg.OnFailure(wpwerr.NewTransport("accept", err))
			}
			return
		}

		s.clientsMu.Lock()
		connID := s.nextConnID
		s.nextConnID++
		sc := &serverConn{
			id:     connID,
			conn:   conn,
			reader: protocol.NewReader(conn),
			writer: protocol.NewWriter(conn),
		}
		s.clients[connID] = sc
		s.clientsMu.Unlock()

		s.wg.Add(1)
		go s.readConn(sc)
	}
}

func (s *Server) readConn(sc *serverConn) {
	defer s.wg.Done()
	defer s.invalidate(sc)

	for {
		req, err := sc.reader.ReadRequest()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				log.Printf("conn %d: %v", sc.id, wpwerr.NewProtocol(err))
				continue
			}
			return
		}

		if req.Verb == protocol.VerbCreate {
			s.clientsMu.Lock()
			s.nextInst++
			id := s.nextInst
			s.routes[id] = sc.id
			s.clientsMu.Unlock()
			req.InstanceID = id
		}

		if s.cfg.OnRequest != nil {
			s.cfg.OnRequest(*req)
		}
	}
}

// invalidate removes conn from the clients map and every instance_id it was
// routing, closes the underlying socket, then notifies the caller once per
// removed instance_id. Safe to call more than once for the same
// connection; later calls are no-ops.
func (s *Server) invalidate(sc *serverConn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[sc.id]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, sc.id)

	var removed []uint32
	for instanceID, connID := range s.routes {
		if connID == sc.id {
			removed = append(removed, instanceID)
		}
	}
	for _, instanceID := range removed {
		delete(s.routes, instanceID)
	}
	s.clientsMu.Unlock()

	sc.conn.Close()

	if s.cfg.OnInvalidate != nil {
		for _, instanceID := range removed {
			s.cfg.OnInvalidate(instanceID)
		}
	}
}

// Enqueue pushes resp onto the priority response queue and wakes the writer
// goroutine, assigning it a fresh monotonic id first. The destination
// connection is resolved by the writer, not by the caller.
func (s *Server) Enqueue(resp protocol.Response) {
	s.queueMu.Lock()
	s.nextID++
	resp.ID = s.nextID
	heap.Push(&s.queue, resp)
	s.queueMu.Unlock()
	s.cond.Signal()
}

// Unmap erases instanceID's routing entry, then writes final to the
// connection it was mapped to on a best-effort basis, outside clientsMu.
// Used for the one terminal response a destroyed
// worker gets, after which no further response can reach it through the
// normal queue.
func (s *Server) Unmap(instanceID uint32, final protocol.Response) {
	s.clientsMu.Lock()
	connID, ok := s.routes[instanceID]
	delete(s.routes, instanceID)
	var sc *serverConn
	if ok {
		sc = s.clients[connID]
	}
	s.clientsMu.Unlock()

	if sc == nil {
		return
	}
	_ = sc.writer.WriteResponse(&final)
}

func (s *Server) writeLoop() {
	defer s.wg.Done()

	for {
		s.queueMu.Lock()
		for s.queue.Len() == 0 && s.running {
			s.cond.Wait()
		}
		if !s.running && s.queue.Len() == 0 {
			s.queueMu.Unlock()
			return
		}
		resp := heap.Pop(&s.queue).(protocol.Response)
		s.queueMu.Unlock()

		s.clientsMu.Lock()
		connID, ok := s.routes[resp.InstanceID]
		var sc *serverConn
		if ok {
			sc = s.clients[connID]
		}
		s.clientsMu.Unlock()

		if sc == nil {
			continue
		}

		if err := sc.writer.WriteResponse(&resp); err != nil {
			s.invalidate(sc)
		}
	}
}

// Stop closes the listener and every connection, unblocking Accept and every
// reader goroutine, then waits for all server goroutines to finish.
func (s *Server) Stop() {
	s.listener.Close()

	s.clientsMu.Lock()
	conns := make([]*serverConn, 0, len(s.clients))
	for _, sc := range s.clients {
		conns = append(conns, sc)
	}
	s.clientsMu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}

	s.queueMu.Lock()
	s.running = false
	s.queueMu.Unlock()
	s.cond.Broadcast()

	s.wg.Wait()
}
