// Package node implements the storage node: a TCP server speaking the wire
// protocol on top of a department-scoped file store.
package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/depot/internal/metrics"
	"github.com/dreamware/depot/internal/storage"
	"github.com/dreamware/depot/internal/wire"
)

// Config holds the runtime settings of one storage node.
type Config struct {
	ID             string
	ListenAddr     string
	WorkerPoolSize int
	SocketTimeout  time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
}

// Server is a storage node.
//
// Each accepted connection occupies one slot of a fixed size worker pool for
// its whole lifetime; when the pool is full the accept loop waits, leaving
// new clients in the listen backlog. A reaper closes connections whose last
// activity is older than IdleTimeout.
type Server struct {
	cfg     Config
	store   *storage.LockedStore
	log     *zap.Logger
	metrics *metrics.Node

	ln     net.Listener
	pool   *semaphore.Weighted
	active atomic.Int32

	mu    sync.Mutex
	conns map[net.Conn]*connState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connState struct {
	lastActivity atomic.Int64 // unix nanos
	counted      bool         // contributes to the load signal
	reaped       bool
}

func (c *connState) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// New creates a node serving store. The store is wrapped with a per-file
// lock table shared by all connections.
func New(cfg Config, store storage.Store, log *zap.Logger, m *metrics.Node) *Server {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		store:   storage.NewLockedStore(store),
		log:     log.Named("node").With(zap.String("node", cfg.ID)),
		metrics: m,
		pool:    semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		conns:   make(map[net.Conn]*connState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node %s listen %s: %w", s.cfg.ID, s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.log.Info("storage node listening", zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.cfg.WorkerPoolSize))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.reapLoop()
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Load returns the number of active connections.
func (s *Server) Load() int { return int(s.active.Load()) }

// Store returns the node's locked store.
func (s *Server) Store() storage.Store { return s.store }

// Close stops accepting, closes every live connection and waits for the
// handlers to return.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("storage node stopped")
	return err
}

func (s *Server) acceptLoop() {
	for {
		if err := s.pool.Acquire(s.ctx, 1); err != nil {
			return
		}
		conn, err := s.ln.Accept()
		if err != nil {
			s.pool.Release(1)
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		state := s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pool.Release(1)
			defer s.untrack(conn)
			s.handle(conn, state)
		}()
	}
}

func (s *Server) track(conn net.Conn) *connState {
	st := &connState{}
	st.touch()
	s.mu.Lock()
	s.conns[conn] = st
	s.mu.Unlock()
	return st
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	st := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	_ = conn.Close()
	if st != nil && st.counted {
		s.active.Add(-1)
		s.metrics.ActiveConnections.Dec()
	}
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reapIdle()
		case <-s.ctx.Done():
			return
		}
	}
}

// reapIdle closes every connection idle for longer than IdleTimeout. The
// handler notices the closed socket and cleans up after itself.
func (s *Server) reapIdle() int {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout).UnixNano()
	reaped := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, st := range s.conns {
		if st.reaped || st.lastActivity.Load() > cutoff {
			continue
		}
		st.reaped = true
		s.metrics.ReapedConnections.Inc()
		_ = c.Close()
		reaped++
	}
	if reaped > 0 {
		s.log.Debug("reaped idle connections", zap.Int("count", reaped))
	}
	return reaped
}

// session wraps one connection's buffered reader and writer and refreshes
// the activity timestamp and socket deadline around every frame.
type session struct {
	conn    net.Conn
	state   *connState
	timeout time.Duration
	r       *bufio.Reader
	w       *bufio.Writer
}

func (ss *session) ready() error {
	ss.state.touch()
	return ss.conn.SetDeadline(time.Now().Add(ss.timeout))
}

func (ss *session) readString() (string, error) {
	if err := ss.ready(); err != nil {
		return "", err
	}
	return wire.ReadString(ss.r)
}

func (ss *session) readBytes() ([]byte, error) {
	if err := ss.ready(); err != nil {
		return nil, err
	}
	return wire.ReadBytes(ss.r)
}

func (ss *session) flush() error {
	if err := ss.ready(); err != nil {
		return err
	}
	return ss.w.Flush()
}

func (s *Server) handle(conn net.Conn, state *connState) {
	ss := &session{
		conn:    conn,
		state:   state,
		timeout: s.cfg.SocketTimeout,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
	}

	cmd, err := ss.readString()
	if err != nil {
		return
	}
	if wire.IsCommand(cmd) {
		s.mu.Lock()
		state.counted = true
		s.mu.Unlock()
		s.active.Add(1)
		s.metrics.ActiveConnections.Inc()
	}

	ok, err := s.dispatch(cmd, ss)
	if err == nil {
		err = ss.flush()
	}
	if err != nil {
		ok = false
		s.log.Debug("connection error", zap.String("command", cmd), zap.Error(err))
	}
	s.metrics.Commands.WithLabelValues(metricLabel(cmd), metrics.Result(ok)).Inc()
}

func metricLabel(cmd string) string {
	if wire.IsCommand(cmd) {
		return cmd
	}
	return "unknown"
}

// dispatch runs one command. The bool reports the logical outcome for
// metrics; the error is a transport failure.
func (s *Server) dispatch(cmd string, ss *session) (bool, error) {
	switch cmd {
	case wire.CmdPing:
		return s.handlePing(ss)
	case wire.CmdGetLoad:
		return true, wire.WriteInt(ss.w, s.active.Load())
	case wire.CmdList:
		return s.handleList(ss)
	case wire.CmdAdd, wire.CmdEdit:
		return s.handlePut(cmd, ss)
	case wire.CmdDelete:
		return s.handleDelete(ss)
	case wire.CmdFetch:
		return s.handleFetch(ss)
	default:
		s.log.Warn("unknown command", zap.String("command", cmd))
		return false, wire.WriteBool(ss.w, false)
	}
}

// handlePing answers pong and keeps answering as long as the peer sends
// further pings on the same connection.
func (s *Server) handlePing(ss *session) (bool, error) {
	for {
		if err := wire.WriteString(ss.w, wire.Pong); err != nil {
			return false, err
		}
		if err := ss.flush(); err != nil {
			return false, err
		}
		next, err := ss.readString()
		if err != nil || next != wire.CmdPing {
			return true, nil
		}
	}
}

func (s *Server) handleList(ss *session) (bool, error) {
	dept, err := ss.readString()
	if err != nil {
		return false, err
	}
	names, err := s.store.List(dept)
	if err != nil {
		s.log.Warn("list failed", zap.String("department", dept), zap.Error(err))
		names = nil
	}
	return err == nil, wire.WriteStrings(ss.w, names)
}

func (s *Server) readTarget(ss *session) (dept, name string, err error) {
	if dept, err = ss.readString(); err != nil {
		return "", "", err
	}
	if name, err = ss.readString(); err != nil {
		return "", "", err
	}
	return dept, name, nil
}

func (s *Server) handlePut(cmd string, ss *session) (bool, error) {
	dept, name, err := s.readTarget(ss)
	if err != nil {
		return false, err
	}
	data, err := ss.readBytes()
	if err != nil {
		return false, err
	}

	if err := s.store.Put(dept, name, data); err != nil {
		s.log.Warn("write failed", zap.String("command", cmd), zap.String("department", dept),
			zap.String("file", name), zap.Error(err))
		return false, wire.WriteBool(ss.w, false)
	}
	s.log.Debug("file saved", zap.String("command", cmd), zap.String("department", dept),
		zap.String("file", name), zap.Int("bytes", len(data)))
	return true, wire.WriteBool(ss.w, true)
}

func (s *Server) handleDelete(ss *session) (bool, error) {
	dept, name, err := s.readTarget(ss)
	if err != nil {
		return false, err
	}
	deleted, err := s.store.Delete(dept, name)
	if err != nil {
		s.log.Warn("delete failed", zap.String("department", dept), zap.String("file", name), zap.Error(err))
	}
	ok := err == nil && deleted
	return ok, wire.WriteBool(ss.w, ok)
}

func (s *Server) handleFetch(ss *session) (bool, error) {
	dept, name, err := s.readTarget(ss)
	if err != nil {
		return false, err
	}
	data, err := s.store.Get(dept, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("read failed", zap.String("department", dept), zap.String("file", name), zap.Error(err))
		}
		return false, wire.WriteBytes(ss.w, nil)
	}
	return true, wire.WriteBytes(ss.w, data)
}
