package terminal

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Session statuses.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

const (
	// clientBuffer is the per-client frame buffer; a client that falls
	// this far behind is dropped.
	clientBuffer = 256

	// readBufferSize is the PTY read chunk size.
	readBufferSize = 32 * 1024
)

// Session is one shell tied to a thread, with its output ring and
// attached client set. Sequence numbers on output frames are dense from 0
// and every attached client observes them strictly increasing.
type Session struct {
	ID       string
	ThreadID string
	Shell    string
	Cwd      string

	log  *logger.Logger
	ring *frameRing
	scr  *screen

	mu         sync.Mutex
	cmd        *exec.Cmd
	tr         *transport
	cols       int
	rows       int
	status     string
	exitCode   *int
	exitSignal string
	clients    map[string]chan ServerFrame
	lastIO     time.Time
	startedAt  time.Time
	closing    bool
	inputLine  []byte

	readers sync.WaitGroup
	done    chan struct{}
}

// Info is a session status snapshot served over REST.
type Info struct {
	SessionID     string    `json:"sessionId"`
	ThreadID      string    `json:"threadId"`
	Status        string    `json:"status"`
	TransportMode string    `json:"transportMode"`
	PID           int       `json:"pid"`
	Shell         string    `json:"shell"`
	Cwd           string    `json:"cwd"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	Signal        string    `json:"signal,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

func newSession(id, threadID, shell, cwd string, cols, rows int, cmd *exec.Cmd, tr *transport, ringMaxBytes int, log *logger.Logger) *Session {
	now := time.Now()
	s := &Session{
		ID:        id,
		ThreadID:  threadID,
		Shell:     shell,
		Cwd:       cwd,
		log:       log.WithSessionID(id).WithThreadID(threadID),
		ring:      newFrameRing(ringMaxBytes),
		scr:       newScreen(cols, rows),
		cmd:       cmd,
		tr:        tr,
		cols:      cols,
		rows:      rows,
		status:    StatusRunning,
		clients:   make(map[string]chan ServerFrame),
		lastIO:    now,
		startedAt: now,
		done:      make(chan struct{}),
	}
	for _, r := range tr.outputs {
		s.readers.Add(1)
		go s.readLoop(r)
	}
	go s.waitForExit()
	return s
}

// Attach registers a client and returns the frames it must receive first
// (ready, optional cursor-expired error, ring replay with seq > fromSeq)
// plus the live channel to tail afterwards. The replay snapshot and the
// registration happen atomically, so no frame is missed or duplicated
// across the boundary. A negative fromSeq means no cursor.
func (s *Session) Attach(clientID string, fromSeq int64) ([]ServerFrame, <-chan ServerFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := []ServerFrame{NewReadyFrame(s.ID, s.ThreadID, s.Cwd, s.tr.mode)}
	replayFrom := fromSeq
	if s.ring.Expired(fromSeq) {
		frames = append(frames, NewErrorFrame(errors.ErrCodeTerminalCursorExpired,
			"requested frames are no longer retained; performing full redraw"))
		replayFrom = -1
	}
	for _, f := range s.ring.After(replayFrom) {
		frames = append(frames, NewOutputFrame(f.Seq, string(f.Data)))
	}

	if s.status == StatusExited {
		frames = append(frames, s.exitFrameLocked())
		ch := make(chan ServerFrame)
		close(ch)
		return frames, ch, nil
	}

	if prev, ok := s.clients[clientID]; ok {
		delete(s.clients, clientID)
		close(prev)
	}
	ch := make(chan ServerFrame, clientBuffer)
	s.clients[clientID] = ch
	return frames, ch, nil
}

// Detach drops the client without affecting the session.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[clientID]; ok {
		delete(s.clients, clientID)
		close(ch)
	}
}

// WriteInput pipes raw bytes to the shell. In pipe mode each completed
// input line is echoed back as a synthetic output frame, since no PTY
// does the echoing.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return errors.BadRequest("terminal session has exited")
	}
	tr := s.tr
	s.lastIO = time.Now()
	s.mu.Unlock()

	if _, err := tr.input.Write(data); err != nil {
		return fmt.Errorf("terminal input write: %w", err)
	}
	if tr.mode == TransportPipe {
		s.echoInput(data)
	}
	return nil
}

// Resize changes the PTY window size. A no-op in pipe mode.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return errors.BadRequest("terminal session has exited")
	}
	if s.tr.resize == nil {
		return nil
	}
	if cols <= 0 || rows <= 0 {
		return errors.ValidationError("cols", "cols and rows must be positive")
	}
	if err := s.tr.resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("terminal resize: %w", err)
	}
	s.cols = cols
	s.rows = rows
	s.scr.Resize(cols, rows)
	return nil
}

// Running reports whether the shell is still alive.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// Info snapshots the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return Info{
		SessionID:     s.ID,
		ThreadID:      s.ThreadID,
		Status:        s.status,
		TransportMode: s.tr.mode,
		PID:           pid,
		Shell:         s.Shell,
		Cwd:           s.Cwd,
		Cols:          s.cols,
		Rows:          s.rows,
		ExitCode:      s.exitCode,
		Signal:        s.exitSignal,
		StartedAt:     s.startedAt,
		LastActivity:  s.lastIO,
	}
}

// Close kills the shell and waits briefly for the reaper. Safe to call
// more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	running := s.status == StatusRunning
	tr := s.tr
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if !running {
		return
	}

	s.log.Info("closing terminal session", zap.String("reason", reason))

	if tr.closeIO != nil {
		_ = tr.closeIO()
	}
	if pid > 0 {
		_ = killProcessGroup(pid)
	}

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.log.Warn("terminal close timeout, force killing")
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

// reclaimable reports whether the idle sweeper may reclaim this session.
func (s *Session) reclaimable(idleTTL time.Duration) bool {
	s.mu.Lock()
	clients := len(s.clients)
	status := s.status
	idleFor := time.Since(s.lastIO)
	mode := s.tr.mode
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if clients > 0 {
		return false
	}
	if status == StatusExited {
		return true
	}
	if idleFor < idleTTL {
		return false
	}
	if pid > 0 && !childTreeEmpty(pid) {
		return false
	}
	// The prompt probe only means something when a real PTY drives the
	// shell; pipe shells print no prompt at all.
	if mode == TransportPTY && !s.scr.PromptIdle() {
		return false
	}
	return true
}

func (s *Session) readLoop(r io.Reader) {
	defer s.readers.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.appendOutput(data)
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("terminal read ended", zap.Error(err))
			}
			return
		}
	}
}

func (s *Session) appendOutput(data []byte) {
	s.scr.Write(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.ring.Append(data)
	s.lastIO = time.Now()
	s.broadcastLocked(NewOutputFrame(seq, string(data)))
}

// echoInput accumulates pipe-mode input and emits a `$ <line>` output
// frame for every completed line.
func (s *Session) echoInput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputLine = append(s.inputLine, data...)
	for {
		idx := bytes.IndexByte(s.inputLine, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimRight(s.inputLine[:idx], "\r")
		s.inputLine = append([]byte(nil), s.inputLine[idx+1:]...)

		echo := append([]byte("$ "), line...)
		echo = append(echo, '\r', '\n')
		seq := s.ring.Append(echo)
		s.broadcastLocked(NewOutputFrame(seq, string(echo)))
	}
}

func (s *Session) broadcastLocked(frame ServerFrame) {
	for id, ch := range s.clients {
		select {
		case ch <- frame:
		default:
			delete(s.clients, id)
			close(ch)
			s.log.Warn("dropping slow terminal client", zap.String("client_id", id))
		}
	}
}

func (s *Session) exitFrameLocked() ServerFrame {
	code := 0
	if s.exitCode != nil {
		code = *s.exitCode
	}
	return NewExitFrame(code, s.exitSignal)
}

func (s *Session) waitForExit() {
	code, signal := waitChild(s.cmd)

	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = &code
	s.exitSignal = signal
	s.broadcastLocked(s.exitFrameLocked())
	for id, ch := range s.clients {
		delete(s.clients, id)
		close(ch)
	}
	s.mu.Unlock()

	s.log.Info("terminal session exited",
		zap.Int("exit_code", code),
		zap.String("signal", signal))
	close(s.done)

	// Free descriptors only after the readers drained any trailing output.
	s.readers.Wait()
	if s.tr.release != nil {
		s.tr.release()
	}
}
