// Package agent spawns and supervises the external agent subprocess and owns
// the JSON-RPC transport to it. The supervisor is fail-stop: once the child
// exits or the transport breaks it never restarts within the daemon run.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/pkg/codex"
)

// Status represents the agent process status
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// clientVersion is reported to the agent in the initialize handshake.
const clientVersion = "0.1.0"

// stderrBufferSize is the number of recent stderr lines kept for error context
const stderrBufferSize = 50

// modelsTTL bounds how long a model/list result is served from cache.
const modelsTTL = time.Minute

// Info describes the supervised agent process.
type Info struct {
	UserAgent string `json:"userAgent,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
}

// Supervisor manages the agent subprocess and its stdio transport.
type Supervisor struct {
	cfg      config.AgentConfig
	logger   *logger.Logger
	eventBus bus.EventBus

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	client *codex.Client

	// Handlers applied to the client at Start; set them before Start.
	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	status    atomic.Value // Status
	exitCode  atomic.Int32
	userAgent atomic.Value // string

	stderrBuffer []string
	stderrMu     sync.RWMutex

	models   []codex.Model
	modelsAt time.Time
	modelsMu sync.Mutex

	mu      sync.RWMutex
	wg      sync.WaitGroup
	doneCh  chan struct{}
	cancel  context.CancelFunc
	startMu sync.Mutex
}

// NewSupervisor creates a supervisor for the configured agent command.
func NewSupervisor(cfg config.AgentConfig, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-supervisor")),
		eventBus: eventBus,
		doneCh:   make(chan struct{}),
	}
	s.status.Store(StatusStopped)
	s.exitCode.Store(-1)
	return s
}

// SetNotificationHandler sets the handler for agent notifications.
// Must be called before Start.
func (s *Supervisor) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	s.onNotification = handler
}

// SetRequestHandler sets the handler for inbound agent requests.
// Must be called before Start.
func (s *Supervisor) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	s.onRequest = handler
}

// Status returns the current process status
func (s *Supervisor) Status() Status {
	return s.status.Load().(Status)
}

// ExitCode returns the exit code (-1 if not exited)
func (s *Supervisor) ExitCode() int {
	return int(s.exitCode.Load())
}

// Done is closed once the agent process has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.doneCh
}

// Info returns a snapshot of the agent process for health reporting.
func (s *Supervisor) Info() Info {
	info := Info{
		Status:   string(s.Status()),
		ExitCode: s.ExitCode(),
	}
	if ua, ok := s.userAgent.Load().(string); ok {
		info.UserAgent = ua
	}
	s.mu.RLock()
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	s.mu.RUnlock()
	return info
}

// Start spawns the agent process, connects the transport, and performs the
// initialize handshake.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.Status() == StatusRunning || s.Status() == StatusStarting {
		return fmt.Errorf("agent is already running")
	}
	if s.cfg.Command == "" {
		return fmt.Errorf("no agent command configured")
	}

	s.logger.Info("starting agent process",
		zap.String("command", s.cfg.Command),
		zap.Strings("args", s.cfg.Args),
		zap.String("workdir", s.cfg.Workdir))

	s.status.Store(StatusStarting)
	s.exitCode.Store(-1)

	// Not CommandContext: the caller's context must not kill the agent when
	// the call returns.
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.cfg.Workdir != "" {
		cmd.Dir = s.cfg.Workdir
	}
	cmd.Env = os.Environ()
	setProcGroup(cmd)

	var err error
	s.stdin, err = cmd.StdinPipe()
	if err != nil {
		s.status.Store(StatusError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	s.stdout, err = cmd.StdoutPipe()
	if err != nil {
		s.status.Store(StatusError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	s.stderr, err = cmd.StderrPipe()
	if err != nil {
		s.status.Store(StatusError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.status.Store(StatusError)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	client := codex.NewClient(s.stdin, s.stdout, s.logger)
	if s.onNotification != nil {
		client.SetNotificationHandler(s.onNotification)
	}
	if s.onRequest != nil {
		client.SetRequestHandler(s.onRequest)
	}
	client.SetCloseHandler(s.handleTransportClosed)

	s.mu.Lock()
	s.cmd = cmd
	s.client = client
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	client.Start(runCtx)

	s.wg.Add(1)
	go s.readStderr()
	go s.waitForExit()

	if err := s.handshake(ctx); err != nil {
		s.status.Store(StatusError)
		s.terminate()
		return err
	}

	s.status.Store(StatusRunning)
	s.logger.Info("agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// handshake performs initialize and sends the initialized notification.
func (s *Supervisor) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeoutDuration())
	defer cancel()

	resp, err := s.client.Call(hctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{
			Name:    "coderelay",
			Title:   "CodeRelay Daemon",
			Version: clientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	var initResult codex.InitializeResult
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &initResult); err != nil {
			s.logger.Warn("failed to parse initialize result", zap.Error(err))
		}
	}
	s.userAgent.Store(initResult.UserAgent)

	if err := s.client.Notify(codex.MethodInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	s.logger.Info("agent initialized", zap.String("user_agent", initResult.UserAgent))
	return nil
}

// Client returns the transport client, or nil before Start.
func (s *Supervisor) Client() *codex.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Call forwards a request to the agent.
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}) (*codex.Response, error) {
	client := s.Client()
	if client == nil {
		return nil, fmt.Errorf("agent not running")
	}
	return client.Call(ctx, method, params)
}

// SendResponse forwards a response to an inbound agent request.
func (s *Supervisor) SendResponse(id interface{}, result interface{}, respErr *codex.Error) error {
	client := s.Client()
	if client == nil {
		return fmt.Errorf("agent not running")
	}
	return client.SendResponse(id, result, respErr)
}

// SendError forwards an error response to an inbound agent request.
func (s *Supervisor) SendError(id interface{}, code int, message string) error {
	client := s.Client()
	if client == nil {
		return fmt.Errorf("agent not running")
	}
	return client.SendError(id, code, message)
}

// Models returns the agent's model list, served from a short-lived cache.
func (s *Supervisor) Models(ctx context.Context) ([]codex.Model, error) {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()

	if s.models != nil && time.Since(s.modelsAt) < modelsTTL {
		out := make([]codex.Model, len(s.models))
		copy(out, s.models)
		return out, nil
	}

	resp, err := s.Call(ctx, codex.MethodModelList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("model/list error: %s", resp.Error.Message)
	}

	var result codex.ModelListResult
	if resp.Result != nil {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse model list: %w", err)
		}
	}

	s.models = result.Models
	s.modelsAt = time.Now()

	out := make([]codex.Model, len(result.Models))
	copy(out, result.Models)
	return out, nil
}

// Stop shuts the agent down: close the transport, signal EOF on stdin, and
// kill the process group if it does not exit before ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	status := s.Status()
	if status == StatusStopped || status == StatusStopping {
		return nil
	}
	s.status.Store(StatusStopping)
	s.logger.Info("stopping agent process")

	if client := s.Client(); client != nil {
		client.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil {
			s.logger.Debug("failed to close stdin", zap.Error(err))
		}
	}

	select {
	case <-s.doneCh:
		s.logger.Info("agent process stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("agent did not exit in time, killing process group")
		s.terminate()
	}
	return nil
}

// terminate kills the whole process group.
func (s *Supervisor) terminate() {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		s.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
		if err := cmd.Process.Kill(); err != nil {
			s.logger.Warn("failed to kill process", zap.Error(err))
		}
	}
}

// handleTransportClosed runs once when the stdio transport dies. If the
// child is still alive (framing violation rather than exit) it is killed so
// both sides agree the run is over.
func (s *Supervisor) handleTransportClosed(err error) {
	switch s.Status() {
	case StatusStopped, StatusStopping:
		return
	default:
	}
	s.logger.Warn("agent transport closed", zap.Error(err))
	s.terminate()
}

// readStderr reads and logs stderr from the agent
func (s *Supervisor) readStderr() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug("agent stderr", zap.String("line", line))
		s.appendStderr(line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// appendStderr adds a line to the stderr ring buffer
func (s *Supervisor) appendStderr(line string) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()

	cleanLine := stripANSI(line)
	if len(s.stderrBuffer) >= stderrBufferSize {
		s.stderrBuffer = s.stderrBuffer[1:]
	}
	s.stderrBuffer = append(s.stderrBuffer, cleanLine)
}

// RecentStderr returns a copy of the recent stderr lines
func (s *Supervisor) RecentStderr() []string {
	s.stderrMu.RLock()
	defer s.stderrMu.RUnlock()

	result := make([]string, len(s.stderrBuffer))
	copy(result, s.stderrBuffer)
	return result
}

// waitForExit waits for the process to exit, fails the transport, and
// announces the exit on the event bus.
func (s *Supervisor) waitForExit() {
	defer close(s.doneCh)

	err := s.cmd.Wait()
	s.wg.Wait() // stderr reader finishes once the pipe closes

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		recentStderr := s.RecentStderr()
		s.logger.Error("agent process exited with error",
			zap.Error(err),
			zap.Int("exit_code", exitCode),
			zap.Strings("recent_stderr", recentStderr))
	} else {
		s.logger.Info("agent process exited")
	}
	s.exitCode.Store(int32(exitCode))
	s.status.Store(StatusStopped)

	// Fail in-flight calls before announcing the exit so subscribers observe
	// a dead transport.
	if client := s.Client(); client != nil {
		client.Close()
	}

	event := bus.NewEvent(events.AgentExited, "agent-supervisor", map[string]interface{}{
		"exit_code": exitCode,
	})
	if err := s.eventBus.Publish(context.Background(), events.AgentExited, event); err != nil {
		s.logger.Warn("failed to publish agent exit event", zap.Error(err))
	}
}
