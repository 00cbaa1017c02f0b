// Package server implements the local admin/probe IPC endpoint: a stream
// socket in the abstract namespace carrying newline-delimited JSON frames.
// Probe events feed the state machine, admin commands mutate policy and
// settings, queries read health and history, and a dashboard snapshot is
// broadcast to every connected client each tick.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of encoded frames and a
//     writer goroutine pumping it, so a slow or wedged client never applies
//     back-pressure to the tick loop: when the buffer is full the frame is
//     dropped and counted.
//   - Reads are line-oriented; a malformed line is logged and skipped rather
//     than killing the connection. A line longer than the 1 MiB read buffer
//     ends the read loop and the client is removed.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/state"
	"github.com/cerberus/daemon/internal/store"
)

// probeLivenessWindow is how recently an event.* frame must have arrived for
// health_check to report the probe as connected.
const probeLivenessWindow = 30 * time.Second

// clientBufferFrames is the per-client send buffer depth.
const clientBufferFrames = 32

// Core is the slice of the state manager the IPC layer drives. It is
// satisfied by *state.Manager.
type Core interface {
	HandleScreenState(on bool)
	HandleNotification(pkg string, userID int)
	HandleForegroundHint(pkg string, userID int)
	ApplyDozeHint(stateName, debug string)
	SetPolicy(ctx context.Context, pkg string, p app.Policy) error
	Policies(ctx context.Context) ([]store.PolicyRecord, error)
	SetSettings(ctx context.Context, cfg store.MasterConfig) error
	ClearStats(ctx context.Context) error
	Snapshot() state.DashboardSnapshot
}

// History serves the read-side queries backed by the SQLite store. It is
// satisfied by *store.Store.
type History interface {
	Events(ctx context.Context, limit, offset int) ([]store.EventRecord, error)
	ResourceStats(ctx context.Context) ([]store.ResourceStat, error)
}

// Server is the IPC endpoint. Construct with New, then Start.
type Server struct {
	logger     *slog.Logger
	socketName string
	core       Core
	history    History

	// restart is invoked on cmd.restart_daemon; the daemon wires it to its
	// shutdown path.
	restart func()

	ln net.Listener

	mu      sync.Mutex
	clients map[string]*client

	lastProbeEvent atomic.Int64 // unix milliseconds, 0 = never

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// client is one connected IPC peer.
type client struct {
	id      string
	conn    net.Conn
	send    chan []byte
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a Server bound to socketName once Start is called. The name is
// bound in the abstract namespace unless it contains a path separator, in
// which case it is used as a filesystem socket path (tests rely on this).
func New(socketName string, core Core, history History, logger *slog.Logger, restart func()) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if restart == nil {
		restart = func() {}
	}
	return &Server{
		logger:     logger,
		socketName: socketName,
		core:       core,
		history:    history,
		restart:    restart,
		clients:    make(map[string]*client),
	}
}

// addr returns the unix socket address for the configured name.
func (s *Server) addr() string {
	if strings.ContainsRune(s.socketName, os.PathSeparator) {
		return s.socketName
	}
	return "@" + s.socketName
}

// Start binds the socket and begins accepting connections. It returns a
// non-nil error when the bind fails (fatal at daemon init).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("unix", s.addr())
	if err != nil {
		return fmt.Errorf("server: bind %q: %w", s.addr(), err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("ipc server listening", slog.String("socket", s.addr()))
	return nil
}

// Stop closes the listener and every client connection, then waits for all
// connection goroutines to exit. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		for _, c := range s.clients {
			_ = c.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("ipc server stopped")
	})
}

// HasClients reports whether any IPC peer is connected.
func (s *Server) HasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients) > 0
}

// ProbeConnected reports whether an event.* frame arrived within the
// liveness window.
func (s *Server) ProbeConnected() bool {
	last := s.lastProbeEvent.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.UnixMilli(last)) < probeLivenessWindow
}

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("server: accept", slog.Any("error", err))
			}
			return
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, clientBufferFrames),
			done: make(chan struct{}),
		}
		s.mu.Lock()
		s.clients[c.id] = c
		total := len(s.clients)
		s.mu.Unlock()
		s.logger.Info("ipc client connected", slog.String("client", c.id), slog.Int("total", total))

		s.wg.Add(2)
		go s.writePump(c)
		go s.readLoop(ctx, c)
	}
}

// removeClient drops the client from the registry and closes its
// connection. Safe to call from both pumps.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	total := len(s.clients)
	s.mu.Unlock()

	if present {
		close(c.done)
		_ = c.conn.Close()
		s.logger.Info("ipc client disconnected", slog.String("client", c.id), slog.Int("total", total))
	}
}

// writePump drains the client's send channel into the socket. A write error
// tears the client down.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				s.removeClient(c)
				return
			}
		}
	}
}

// readLoop parses newline-delimited frames from the client until EOF or
// error.
func (s *Server) readLoop(ctx context.Context, c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Warn("server: malformed frame", slog.String("client", c.id), slog.Any("error", err))
			continue
		}
		s.handleFrame(ctx, c, &frame)
	}
}

// send queues an encoded frame for the client without blocking, dropping it
// when the buffer is full.
func (s *Server) send(c *client, frame Frame) {
	frame.V = protocolVersion
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("server: marshal frame", slog.Any("error", err))
		return
	}
	data = append(data, '\n')
	select {
	case c.send <- data:
	default:
		c.dropped.Add(1)
		s.logger.Warn("server: client buffer full, dropping frame",
			slog.String("client", c.id), slog.String("type", frame.Type))
	}
}

// respond sends a resp.<name> frame echoing the request ID.
func (s *Server) respond(c *client, req *Frame, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("server: marshal response payload", slog.Any("error", err))
		return
	}
	s.send(c, Frame{Type: "resp." + name, ReqID: req.ReqID, Payload: data})
}

// BroadcastDashboard pushes the dashboard snapshot to every connected
// client.
func (s *Server) BroadcastDashboard(snap state.DashboardSnapshot) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("server: marshal dashboard", slog.Any("error", err))
		return
	}
	frame := Frame{Type: TypeStreamDashboard, Payload: data}
	for _, c := range targets {
		s.send(c, frame)
	}
}

// handleFrame dispatches one inbound frame.
func (s *Server) handleFrame(ctx context.Context, c *client, frame *Frame) {
	switch {
	case strings.HasPrefix(frame.Type, "event."):
		s.lastProbeEvent.Store(time.Now().UnixMilli())
		s.handleEvent(frame)
	case strings.HasPrefix(frame.Type, "cmd."):
		s.handleCommand(ctx, c, frame)
	case strings.HasPrefix(frame.Type, "query."):
		s.handleQuery(ctx, c, frame)
	default:
		s.logger.Warn("server: unknown frame type", slog.String("type", frame.Type))
	}
}

// handleEvent forwards a probe fact to the state machine.
func (s *Server) handleEvent(frame *Frame) {
	switch frame.Type {
	case TypeEventScreenOn:
		s.core.HandleScreenState(true)
	case TypeEventScreenOff:
		s.core.HandleScreenState(false)
	case TypeEventNotification:
		var p instancePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.PackageName == "" {
			return
		}
		s.core.HandleNotification(p.PackageName, p.UserID)
	case TypeEventForeground:
		var p instancePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.PackageName == "" {
			return
		}
		s.core.HandleForegroundHint(p.PackageName, p.UserID)
	case TypeEventDozeChanged:
		var p dozeHintPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		s.core.ApplyDozeHint(p.State, p.Debug)
	default:
		s.logger.Debug("server: ignoring event", slog.String("type", frame.Type))
	}
}

// handleCommand executes an admin mutation and acknowledges it. A rejected
// command (safety net, validation) produces ok=false with the reason and no
// state change.
func (s *Server) handleCommand(ctx context.Context, c *client, frame *Frame) {
	name := strings.TrimPrefix(frame.Type, "cmd.")
	var err error

	switch frame.Type {
	case TypeCmdSetPolicy:
		var p setPolicyPayload
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = s.core.SetPolicy(ctx, p.PackageName, app.Policy(p.Policy))
		}
	case TypeCmdSetSettings:
		var p setSettingsPayload
		if err = json.Unmarshal(frame.Payload, &p); err == nil {
			err = s.core.SetSettings(ctx, store.MasterConfig{
				TimedUnfreezeEnabled:     p.TimedUnfreezeEnabled,
				TimedUnfreezeIntervalSec: p.TimedUnfreezeIntervalSec,
			})
		}
	case TypeCmdClearStats:
		err = s.core.ClearStats(ctx)
	case TypeCmdRestart:
		s.logger.Info("server: restart requested by admin")
		s.respond(c, frame, name, cmdResult{OK: true})
		s.restart()
		return
	default:
		err = fmt.Errorf("unknown command %q", frame.Type)
	}

	result := cmdResult{OK: err == nil}
	if err != nil {
		result.Error = err.Error()
		s.logger.Warn("server: command rejected",
			slog.String("type", frame.Type), slog.Any("error", err))
	}
	s.respond(c, frame, name, result)
}

// handleQuery serves an admin read.
func (s *Server) handleQuery(ctx context.Context, c *client, frame *Frame) {
	switch frame.Type {
	case TypeQueryHealthCheck:
		s.respond(c, frame, "health_check", map[string]any{
			"daemon_pid":         os.Getpid(),
			"is_probe_connected": s.ProbeConnected(),
		})

	case TypeQueryAllPolicies:
		recs, err := s.core.Policies(ctx)
		if err != nil {
			s.respond(c, frame, "all_policies", cmdResult{OK: false, Error: err.Error()})
			return
		}
		type policyEntry struct {
			PackageName string `json:"package_name"`
			UserID      int    `json:"user_id"`
			Policy      int    `json:"policy"`
		}
		out := make([]policyEntry, 0, len(recs))
		for _, rec := range recs {
			out = append(out, policyEntry{rec.Package, rec.UserID, int(rec.Policy)})
		}
		s.respond(c, frame, "all_policies", out)

	case TypeQueryLogs:
		var p logsQueryPayload
		_ = json.Unmarshal(frame.Payload, &p)
		recs, err := s.history.Events(ctx, p.Limit, p.Offset)
		if err != nil {
			s.respond(c, frame, "logs", cmdResult{OK: false, Error: err.Error()})
			return
		}
		type logEntry struct {
			Timestamp int64          `json:"timestamp"`
			EventType string         `json:"event_type"`
			Payload   map[string]any `json:"payload"`
		}
		out := make([]logEntry, 0, len(recs))
		for _, rec := range recs {
			out = append(out, logEntry{rec.Timestamp.UnixMilli(), rec.Type, rec.Payload})
		}
		s.respond(c, frame, "logs", out)

	case TypeQueryResourceStats:
		stats, err := s.history.ResourceStats(ctx)
		if err != nil {
			s.respond(c, frame, "resource_stats", cmdResult{OK: false, Error: err.Error()})
			return
		}
		type statEntry struct {
			PackageName    string  `json:"package_name"`
			CPUSeconds     float64 `json:"cpu_seconds"`
			FrozenSessions int     `json:"frozen_sessions"`
		}
		out := make([]statEntry, 0, len(stats))
		for _, st := range stats {
			out = append(out, statEntry{st.Package, st.BackgroundCPUSecs, st.FrozenSessions})
		}
		s.respond(c, frame, "resource_stats", out)

	default:
		s.logger.Warn("server: unknown query", slog.String("type", frame.Type))
	}
}
