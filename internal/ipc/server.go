package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mconnect/mconnect/internal/arbiter"
	"github.com/mconnect/mconnect/internal/database"
	"github.com/mconnect/mconnect/internal/session"
)

// requestTimeout bounds a single non-streaming request.
const requestTimeout = 5 * time.Second

// ErrAlreadyRunning means a live daemon already owns the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// Arbitration is the slice of the hub the IPC server needs so local
// attaches take part in input arbitration.
type Arbitration interface {
	AttachLocal(sessionID, clientID, clientType string)
	DetachLocal(sessionID, clientID string)
	SubmitLocal(sessionID, clientID, data string) arbiter.Decision
}

// Server answers line-delimited JSON requests on a unix socket only
// the owning user can reach.
type Server struct {
	path     string
	port     int
	sessions *session.Manager
	arb      Arbitration
	clients  func() int          // registry size, for status
	pair     func(string) string // mints a pairing code for a new session
	onStop   func()              // graceful daemon shutdown
	log      *slog.Logger
	started  time.Time

	ln net.Listener

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // sessionID -> attached conns
}

type subscriber struct {
	ch   chan []byte
	quit chan struct{}
}

// NewServer wires the IPC endpoint. clients, pair and onStop may be nil.
func NewServer(path string, port int, sessions *session.Manager, arb Arbitration, clients func() int, onStop func(), log *slog.Logger) *Server {
	return &Server{
		path:     path,
		port:     port,
		sessions: sessions,
		arb:      arb,
		clients:  clients,
		onStop:   onStop,
		log:      log,
		started:  time.Now(),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// Listen claims the socket. A leftover socket file from a dead daemon
// is probed and removed; a live one aborts with ErrAlreadyRunning.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		conn, err := net.DialTimeout("unix", s.path, time.Second)
		if err == nil {
			conn.Close()
			return ErrAlreadyRunning
		}
		s.log.Info("removing stale ipc socket", "path", s.path)
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on ipc socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.path)
}

// HandleOutput forwards PTY bytes to IPC-attached clients. Wired as
// part of the session manager's output fan-out.
func (s *Server) HandleOutput(sessionID string, data []byte) {
	s.mu.Lock()
	subs := s.subs[sessionID]
	if len(subs) == 0 {
		s.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	frame, err := json.Marshal(StreamFrame{Type: StreamOutput, Data: string(data)})
	if err != nil {
		return
	}
	for _, sub := range targets {
		select {
		case sub.ch <- frame:
		default:
			// congested attach loses the chunk
		}
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respond(conn, Response{Error: "malformed request"})
		return
	}
	s.log.Debug("ipc request", "action", req.Action)

	switch req.Action {
	case ActionStatus:
		s.respond(conn, s.status())
	case ActionSessionList:
		s.respond(conn, s.list(req.IncludeCompleted))
	case ActionSessionCreate:
		s.respond(conn, s.create(&req))
	case ActionSessionKill:
		s.respond(conn, s.kill(&req))
	case ActionSessionExport:
		s.respond(conn, s.export(&req))
	case ActionSessionAttach:
		s.attach(conn, reader, &req)
	case ActionShutdown:
		s.respond(conn, Response{OK: true})
		if s.onStop != nil {
			go s.onStop()
		}
	default:
		s.respond(conn, Response{Error: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *Server) respond(conn net.Conn, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.Write(append(payload, '\n'))
}

func (s *Server) status() Response {
	sessions, err := s.sessions.List(true)
	if err != nil {
		return Response{Error: err.Error()}
	}
	running := 0
	for _, sess := range sessions {
		if sess.State == database.StateRunning {
			running++
		}
	}

	info := StatusInfo{
		PID:             os.Getpid(),
		UptimeSeconds:   int64(time.Since(s.started).Seconds()),
		Port:            s.port,
		IPCPath:         s.path,
		RunningSessions: running,
		TotalSessions:   len(sessions),
	}
	if s.clients != nil {
		info.Clients = s.clients()
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			info.MemoryRSSBytes = mem.RSS
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			info.MemoryPercent = pct
		}
	}
	return Response{OK: true, Status: &info}
}

func (s *Server) list(includeCompleted bool) Response {
	sessions, err := s.sessions.List(includeCompleted)
	if err != nil {
		return Response{Error: err.Error()}
	}
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			ID:               sess.ID,
			State:            sess.State,
			WorkingDirectory: sess.WorkingDirectory,
			CreatedAt:        sess.CreatedAt,
			LastActivity:     sess.LastActivity,
		})
	}
	return Response{OK: true, Sessions: infos}
}

func (s *Server) create(req *Request) Response {
	wd := req.WorkingDirectory
	if wd == "" {
		wd, _ = os.Getwd()
	}
	sess, err := s.sessions.Create(req.AgentConfig, wd)
	if err != nil {
		return Response{Error: err.Error()}
	}
	resp := Response{OK: true, ID: sess.ID}
	if s.pair != nil {
		resp.PairCode = s.pair(sess.ID)
	}
	return resp
}

// SetPairFunc installs the pairing-code minter invoked on session
// creation over IPC.
func (s *Server) SetPairFunc(fn func(sessionID string) string) { s.pair = fn }

func (s *Server) kill(req *Request) Response {
	if req.SessionID == "" {
		return Response{Error: "sessionId required"}
	}
	if err := s.sessions.Terminate(req.SessionID); err != nil {
		if err == database.ErrNotFound {
			return Response{Error: "session not found"}
		}
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Killed: true}
}

func (s *Server) export(req *Request) Response {
	if req.SessionID == "" {
		return Response{Error: "sessionId required"}
	}
	lines, err := s.sessions.Export(req.SessionID)
	if err != nil {
		if err == database.ErrNotFound {
			return Response{Error: "session not found"}
		}
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Lines: lines}
}

// attach switches the connection into streaming mode: PTY output flows
// out as frames, input and resize frames flow in.
func (s *Server) attach(conn net.Conn, reader *bufio.Reader, req *Request) {
	if req.SessionID == "" {
		s.respond(conn, Response{Error: "sessionId required"})
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.respond(conn, Response{Error: "session not found"})
		return
	}
	if sess.State == database.StateCompleted {
		s.respond(conn, Response{Error: "session already completed"})
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	clientType := req.ClientType
	if clientType != arbiter.TypeMobile {
		clientType = arbiter.TypePC
	}

	sub := &subscriber{ch: make(chan []byte, 256), quit: make(chan struct{})}
	s.mu.Lock()
	if s.subs[req.SessionID] == nil {
		s.subs[req.SessionID] = make(map[*subscriber]struct{})
	}
	s.subs[req.SessionID][sub] = struct{}{}
	s.mu.Unlock()

	if s.arb != nil {
		s.arb.AttachLocal(req.SessionID, clientID, clientType)
	}
	defer func() {
		s.mu.Lock()
		delete(s.subs[req.SessionID], sub)
		s.mu.Unlock()
		if s.arb != nil {
			s.arb.DetachLocal(req.SessionID, clientID)
		}
	}()

	s.respond(conn, Response{OK: true, ID: clientID})
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	s.log.Info("ipc attach", "session", req.SessionID, "client", clientID)

	// Writer: subscriber channel -> socket.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case frame := <-sub.ch:
				if _, err := conn.Write(append(frame, '\n')); err != nil {
					return
				}
			case <-sub.quit:
				return
			}
		}
	}()
	stop := func() {
		close(sub.quit)
		<-done
	}

	// Reader: socket -> PTY, via arbitration.
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		var frame StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case StreamInput:
			if s.arb != nil {
				if d := s.arb.SubmitLocal(req.SessionID, clientID, frame.Data); !d.Accepted {
					rej, _ := json.Marshal(StreamFrame{Type: StreamRejected, Reason: d.Reason})
					select {
					case sub.ch <- rej:
					default:
					}
					continue
				}
			}
			s.sessions.WriteInput(req.SessionID, []byte(frame.Data))
		case StreamResize:
			if frame.Cols > 0 && frame.Rows > 0 {
				s.sessions.Resize(req.SessionID, frame.Cols, frame.Rows)
			}
		case StreamDetach:
			stop()
			return
		}
	}
	stop()
}
