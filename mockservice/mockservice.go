// Package mockservice is an in-process stand-in for the firmware update
// daemon's IPC surface, sufficient for exercising the harness without the
// real binary. It reproduces the one behavior the harness exists to
// test: registrant identity is bound to the transport connection, so a
// handler id is only honored on the connection that registered it.
package mockservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/wire"
)

const interfaceName = "org.rdkfwupdater.Service"

type request struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type reply struct {
	Values []any  `json:"values"`
	Fault  string `json:"fault,omitempty"`
}

// Server serves the daemon's method vocabulary on a unix socket. Replies
// are positional tuples; the CheckForUpdate tuple's arity is configurable
// to cover the contract's 5, 6 and 7 value shapes.
type Server struct {
	ln     net.Listener
	logger *zap.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	owners map[uint64]int64 // handler id -> connection serial
	update []any
	closed bool

	connSerial atomic.Int64
	wg         sync.WaitGroup
}

// Start listens on the given socket path and serves until Close.
func Start(ctx context.Context, socketPath string) (*Server, error) {
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	s := &Server{
		ln:     ln,
		logger: logging.FromContext(ctx).Named("mockservice"),
		owners: make(map[uint64]int64),
		update: []any{1, "v2.0.0", "http://mockxconf/firmware.bin", 0, 0, "", 200},
	}
	s.nextID.Store(1000)

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// SetUpdateReply replaces the positional values returned by
// CheckForUpdate. Tests use it to drive the 5/6/7 arity decode paths and
// the unrecognized-shape path.
func (s *Server) SetUpdateReply(values []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update = append([]any(nil), values...)
}

// RegisteredCount reports how many identities are currently registered.
func (s *Server) RegisteredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	serial := s.connSerial.Add(1)
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	// A dropped connection takes its registrations with it, exactly as
	// the daemon unbinds identities when a client disappears.
	defer func() {
		s.mu.Lock()
		for id, owner := range s.owners {
			if owner == serial {
				delete(s.owners, id)
			}
		}
		s.mu.Unlock()
	}()

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := enc.Encode(s.dispatch(serial, &req)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(serial int64, req *request) reply {
	switch req.Method {
	case "Introspect":
		return reply{Values: []any{interfaceName}}

	case "RegisterProcess":
		if len(req.Args) != 2 {
			return fault("RegisterProcess expects (name, version)")
		}
		name, ok := req.Args[0].(string)
		if !ok || name == "" {
			return fault("process name must be a non-empty string")
		}
		id := s.nextID.Add(1)
		s.mu.Lock()
		s.owners[id] = serial
		s.mu.Unlock()
		return reply{Values: []any{id, fmt.Sprintf("/org/rdkfwupdater/handler/%d", id)}}

	case "CheckForUpdate":
		id, rep := parseHandler(req.Args)
		if rep != nil {
			return *rep
		}
		if !s.ownedBy(id, serial) {
			return fault("handler not registered on this connection")
		}
		s.mu.Lock()
		values := append([]any(nil), s.update...)
		s.mu.Unlock()
		return reply{Values: values}

	case "UnregisterProcess":
		id, rep := parseHandler(req.Args)
		if rep != nil {
			return *rep
		}
		// Unregistering a foreign or unknown id is answered with false,
		// not a fault, matching the daemon.
		if !s.ownedBy(id, serial) {
			return reply{Values: []any{false}}
		}
		s.mu.Lock()
		delete(s.owners, id)
		s.mu.Unlock()
		return reply{Values: []any{true}}

	default:
		return fault("unknown method: " + req.Method)
	}
}

// parseHandler validates the single string-encoded handler id argument.
// The wire contract demands the decimal-string form; an integral id is
// rejected outright.
func parseHandler(args []any) (uint64, *reply) {
	if len(args) != 1 {
		r := fault("expected a single handler id argument")
		return 0, &r
	}
	str, ok := args[0].(string)
	if !ok {
		r := fault("handler id must be string-encoded")
		return 0, &r
	}
	id, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		r := fault("handler id is not a decimal string")
		return 0, &r
	}
	return id, nil
}

func (s *Server) ownedBy(id uint64, serial int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, known := s.owners[id]
	return known && owner == serial
}

func fault(msg string) reply {
	return reply{Fault: msg}
}
