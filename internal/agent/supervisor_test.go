package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// writeScriptAgent writes a shell script that plays the agent side of the
// protocol with canned responses. Request ids are deterministic: the client
// numbers outbound calls from 1.
func writeScriptAgent(t *testing.T, script string) string {
	if runtime.GOOS == "windows" {
		t.Skip("script agent requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testAgentConfig(command string) config.AgentConfig {
	return config.AgentConfig{
		Command:        command,
		RequestTimeout: 5,
	}
}

func TestSupervisor_StartHandshakeAndStop(t *testing.T) {
	script := `read _
printf '{"id":1,"result":{"userAgent":"scripted-agent/1"}}\n'
read _
read _
`
	path := writeScriptAgent(t, script)

	log := newTestLogger(t)
	s := NewSupervisor(testAgentConfig(path), bus.NewMemoryEventBus(log), log)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusRunning, s.Status())

	info := s.Info()
	assert.Equal(t, "scripted-agent/1", info.UserAgent)
	assert.NotZero(t, info.PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for agent exit")
	}
	assert.Equal(t, StatusStopped, s.Status())
}

func TestSupervisor_ModelsCached(t *testing.T) {
	script := `read _
printf '{"id":1,"result":{"userAgent":"scripted-agent/1"}}\n'
read _
read _
printf '{"id":2,"result":{"models":[{"id":"gpt-5-codex","displayName":"GPT-5 Codex","isDefault":true}]}}\n'
read _
`
	path := writeScriptAgent(t, script)

	log := newTestLogger(t)
	s := NewSupervisor(testAgentConfig(path), bus.NewMemoryEventBus(log), log)
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	models, err := s.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-5-codex", models[0].ID)
	assert.True(t, models[0].IsDefault)

	// Second call is served from cache; the script has no second responder.
	models, err = s.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-5-codex", models[0].ID)
}

func TestSupervisor_AgentExitPublishesEvent(t *testing.T) {
	script := `read _
printf '{"id":1,"result":{"userAgent":"scripted-agent/1"}}\n'
read _
exit 3
`
	path := writeScriptAgent(t, script)

	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	exited := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.AgentExited, func(ctx context.Context, event *bus.Event) error {
		exited <- event
		return nil
	})
	require.NoError(t, err)

	s := NewSupervisor(testAgentConfig(path), eventBus, log)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for agent exit")
	}
	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, StatusStopped, s.Status())

	select {
	case event := <-exited:
		assert.Equal(t, float64(3), toFloat(event.Data["exit_code"]))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for agent.exited event")
	}

	// Calls against the dead transport fail fast.
	_, err = s.Models(context.Background())
	require.Error(t, err)
}

// toFloat normalizes numeric values that may arrive as int or float64
// depending on the bus backend.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestSupervisor_StartFailsOnBadCommand(t *testing.T) {
	log := newTestLogger(t)
	s := NewSupervisor(testAgentConfig("/nonexistent/agent-binary"), bus.NewMemoryEventBus(log), log)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, s.Status())
}

func TestSupervisor_StartRequiresCommand(t *testing.T) {
	log := newTestLogger(t)
	s := NewSupervisor(config.AgentConfig{RequestTimeout: 5}, bus.NewMemoryEventBus(log), log)

	err := s.Start(context.Background())
	require.Error(t, err)
}
