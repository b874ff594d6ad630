// Package terminal owns long-lived shell sessions keyed by thread: PTY
// spawn with pipe fallback, per-session output ring for replay, frame
// sequencing, multi-client fan-out and idle reclaim.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/store"
)

// Manager tracks at most one running session per thread and reclaims
// idle ones in the background.
type Manager struct {
	cfg   *config.Config
	store *store.Store
	log   *logger.Logger

	// startPTY is swappable so tests can force the pipe fallback.
	startPTY func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error)

	mu       sync.Mutex
	sessions map[string]*Session
	byThread map[string]*Session
	started  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// OpenResult reports the opened session and whether an existing one was
// reused.
type OpenResult struct {
	Session *Session
	Reused  bool
}

func NewManager(cfg *config.Config, st *store.Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		log:       log.WithComponent("terminal"),
		startPTY:  startPlatformPTY,
		sessions:  make(map[string]*Session),
		byThread:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start launches the idle sweeper. No-op when terminals are disabled.
func (m *Manager) Start() {
	if !m.cfg.Terminal.Enabled {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.sweepLoop()
}

// Stop halts the sweeper and closes every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		close(m.sweepStop)
		<-m.sweepDone
	}

	for _, s := range m.snapshotSessions() {
		s.Close("shutdown")
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.byThread = make(map[string]*Session)
	m.mu.Unlock()
}

// Open returns the thread's running session or spawns a new one.
func (m *Manager) Open(ctx context.Context, threadID string, cols, rows int) (*OpenResult, error) {
	if !m.cfg.Terminal.Enabled {
		return nil, errors.TerminalDisabled()
	}
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if cols <= 0 {
		cols = m.cfg.Terminal.ScreenCols
	}
	if rows <= 0 {
		rows = m.cfg.Terminal.ScreenRows
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.byThread[threadID]; existing != nil && existing.Running() {
		return &OpenResult{Session: existing, Reused: true}, nil
	}

	session, err := m.spawn(thread, cols, rows)
	if err != nil {
		return nil, err
	}
	m.sessions[session.ID] = session
	m.byThread[threadID] = session
	return &OpenResult{Session: session}, nil
}

// Get looks a session up by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return s, nil
}

// Status returns the thread's session snapshot, or nil when none exists.
func (m *Manager) Status(ctx context.Context, threadID string) (*Info, error) {
	if _, err := m.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	s := m.byThread[threadID]
	m.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	info := s.Info()
	return &info, nil
}

// Resize changes a session's PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// CloseSession kills the session's shell and removes it from the manager.
func (m *Manager) CloseSession(sessionID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.byThread[s.ThreadID] == s {
			delete(m.byThread, s.ThreadID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return errors.SessionNotFound(sessionID)
	}
	s.Close(reason)
	return nil
}

// spawn starts the shell, preferring a PTY and falling back to plain
// pipes when PTY allocation fails. Must be called with m.mu held.
func (m *Manager) spawn(thread *store.Thread, cols, rows int) (*Session, error) {
	argv := defaultShellCommand(m.cfg.Terminal.Shell)
	cwd := thread.ProjectPath

	cmd := m.shellCmd(argv, cwd)
	handle, ptyErr := m.startPTY(cmd, cols, rows)

	var tr *transport
	if ptyErr == nil {
		tr = &transport{
			mode:    TransportPTY,
			input:   handle,
			outputs: []io.Reader{handle},
			resize:  handle.Resize,
			closeIO: handle.Close,
			release: func() { _ = handle.Close() },
		}
	} else {
		m.log.Warn("pty unavailable, falling back to pipe transport", zap.Error(ptyErr))
		var err error
		cmd, tr, err = m.startPipe(argv, cwd)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	session := newSession(id, thread.ID, argv[0], cwd, cols, rows, cmd, tr, m.cfg.Terminal.RingMaxBytes, m.log)

	m.log.Info("terminal session opened",
		zap.String("session_id", id),
		zap.String("thread_id", thread.ID),
		zap.String("transport", tr.mode),
		zap.String("shell", argv[0]),
		zap.Int("pid", session.Info().PID))
	return session, nil
}

// startPipe runs the shell behind plain pipes. stdout and stderr share
// one pipe so the output stream keeps the child's interleaving.
func (m *Manager) startPipe(argv []string, cwd string) (*exec.Cmd, *transport, error) {
	cmd := m.shellCmd(argv, cwd)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, nil, fmt.Errorf("output pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, errors.InternalError("failed to start shell", err)
	}

	// The child holds its own copies; dropping ours makes EOF propagate.
	_ = stdinR.Close()
	_ = outW.Close()

	tr := &transport{
		mode:    TransportPipe,
		input:   stdinW,
		outputs: []io.Reader{outR},
		closeIO: stdinW.Close,
		release: func() {
			_ = stdinW.Close()
			_ = outR.Close()
		},
	}
	return cmd, tr, nil
}

func (m *Manager) shellCmd(argv []string, cwd string) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = shellEnv(cwd)
	setProcGroup(cmd)
	return cmd
}

func shellEnv(workDir string) []string {
	env := os.Environ()
	env = append(env, "PWD="+workDir)
	env = append(env, "TERM=xterm-256color")
	env = append(env, "LANG=C.UTF-8")
	env = append(env, "LC_ALL=C.UTF-8")
	return env
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.Terminal.SweepIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	idleTTL := m.cfg.Terminal.IdleTTLDuration()
	for _, s := range m.snapshotSessions() {
		if s.reclaimable(idleTTL) {
			m.log.Info("reclaiming idle terminal session",
				zap.String("session_id", s.ID),
				zap.String("thread_id", s.ThreadID))
			_ = m.CloseSession(s.ID, "idle")
		}
	}
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
