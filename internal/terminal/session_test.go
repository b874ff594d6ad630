//go:build !windows

package terminal

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// newPipeSession builds a pipe-transport session around a sleeping child
// that never writes, so the ring content is exactly the synthetic input
// echoes and tests can assert sequence numbers.
func newPipeSession(t *testing.T, ringMaxBytes int) *Session {
	t.Helper()

	cmd := exec.Command("sleep", "300")
	setProcGroup(cmd)

	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	cmd.Stdin = stdinR
	cmd.Stdout = outW
	cmd.Stderr = outW
	require.NoError(t, cmd.Start())
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

	s := newSession("sess-1", "th-1", "/bin/sh", "/repo", 80, 24, cmd, tr, ringMaxBytes, newTestLogger(t))
	t.Cleanup(func() { s.Close("test-cleanup") })
	return s
}

type frameCollector struct {
	mu     sync.Mutex
	frames []ServerFrame
	closed bool
}

func collectFrames(ch <-chan ServerFrame) *frameCollector {
	c := &frameCollector{}
	go func() {
		for f := range ch {
			c.mu.Lock()
			c.frames = append(c.frames, f)
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()
	return c
}

func (c *frameCollector) snapshot() []ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServerFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCollector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *frameCollector) hasOutputContaining(sub string) bool {
	for _, f := range c.snapshot() {
		if f.Type == FrameOutput && strings.Contains(f.Data, sub) {
			return true
		}
	}
	return false
}

func (c *frameCollector) hasType(frameType string) bool {
	for _, f := range c.snapshot() {
		if f.Type == frameType {
			return true
		}
	}
	return false
}

func outputSeqs(frames []ServerFrame) []int64 {
	var seqs []int64
	for _, f := range frames {
		if f.Type == FrameOutput {
			seqs = append(seqs, *f.Seq)
		}
	}
	return seqs
}

func TestSession_SyntheticEchoAssemblesLines(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	replay, ch, err := s.Attach("client-1", -1)
	require.NoError(t, err)
	require.Len(t, replay, 1)
	assert.Equal(t, FrameReady, replay[0].Type)
	assert.Equal(t, "sess-1", replay[0].SessionID)
	assert.Equal(t, "th-1", replay[0].ThreadID)
	assert.Equal(t, "/repo", replay[0].Cwd)
	assert.Equal(t, TransportPipe, replay[0].TransportMode)

	c := collectFrames(ch)

	// Split across writes; only the completed line echoes.
	require.NoError(t, s.WriteInput([]byte("echo o")))
	require.NoError(t, s.WriteInput([]byte("ne\n")))

	waitFor(t, "echo frame", func() bool { return c.hasOutputContaining("$ echo one") })

	frames := c.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, int64(0), *frames[0].Seq)
	assert.Equal(t, "$ echo one\r\n", frames[0].Data)
}

func TestSession_ReplayAfterCursor(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		require.NoError(t, s.WriteInput([]byte(line)))
	}

	replay, _, err := s.Attach("client-1", 0)
	require.NoError(t, err)

	require.Len(t, replay, 3)
	assert.Equal(t, FrameReady, replay[0].Type)
	assert.Equal(t, int64(1), *replay[1].Seq)
	assert.Equal(t, "$ two\r\n", replay[1].Data)
	assert.Equal(t, int64(2), *replay[2].Seq)
	assert.Equal(t, "$ three\r\n", replay[2].Data)
}

func TestSession_AttachCursorExpiredFallsBackToFullRedraw(t *testing.T) {
	s := newPipeSession(t, 16)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.WriteInput([]byte("true\n")))
	}
	// Each echo is 8 bytes; only seqs 2 and 3 fit the 16-byte ring.

	replay, _, err := s.Attach("client-1", 0)
	require.NoError(t, err)

	require.Len(t, replay, 4)
	assert.Equal(t, FrameReady, replay[0].Type)
	assert.Equal(t, FrameError, replay[1].Type)
	assert.Equal(t, errors.ErrCodeTerminalCursorExpired, replay[1].Code)
	assert.Equal(t, int64(2), *replay[2].Seq)
	assert.Equal(t, int64(3), *replay[3].Seq)
}

func TestSession_MultiClientFanout(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	_, ch1, err := s.Attach("client-1", -1)
	require.NoError(t, err)
	_, ch2, err := s.Attach("client-2", -1)
	require.NoError(t, err)
	c1 := collectFrames(ch1)
	c2 := collectFrames(ch2)

	require.NoError(t, s.WriteInput([]byte("hello\n")))

	waitFor(t, "both clients see the frame", func() bool {
		return c1.hasOutputContaining("$ hello") && c2.hasOutputContaining("$ hello")
	})

	s.Detach("client-1")
	waitFor(t, "detached channel closes", c1.isClosed)

	require.NoError(t, s.WriteInput([]byte("again\n")))
	waitFor(t, "remaining client still tails", func() bool { return c2.hasOutputContaining("$ again") })
	assert.False(t, c1.hasOutputContaining("$ again"))
	assert.True(t, s.Running())
}

func TestSession_SlowClientDropped(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	_, ch, err := s.Attach("client-1", -1)
	require.NoError(t, err)

	// Nobody reads ch; overflow the per-client buffer.
	for i := 0; i < clientBuffer+40; i++ {
		require.NoError(t, s.WriteInput([]byte("true\n")))
	}

	c := collectFrames(ch)
	waitFor(t, "slow client channel closed", c.isClosed)
	assert.LessOrEqual(t, len(c.snapshot()), clientBuffer)
	assert.True(t, s.Running(), "dropping a client must not affect the session")
}

func TestSession_ExitFrameAndInputAfterExit(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	_, ch, err := s.Attach("client-1", -1)
	require.NoError(t, err)
	c := collectFrames(ch)

	s.Close("test")

	waitFor(t, "session exits", func() bool { return !s.Running() })
	waitFor(t, "exit frame delivered", func() bool { return c.hasType(FrameExit) })
	waitFor(t, "channel closed after exit", c.isClosed)

	err = s.WriteInput([]byte("late\n"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBadRequest, errors.CodeOf(err))

	info := s.Info()
	assert.Equal(t, StatusExited, info.Status)
	require.NotNil(t, info.ExitCode)
}

func TestSession_AttachAfterExitReplaysAndClosesImmediately(t *testing.T) {
	s := newPipeSession(t, 1<<20)
	require.NoError(t, s.WriteInput([]byte("before\n")))

	s.Close("test")
	waitFor(t, "session exits", func() bool { return !s.Running() })

	replay, ch, err := s.Attach("client-late", -1)
	require.NoError(t, err)

	assert.Equal(t, FrameReady, replay[0].Type)
	assert.Equal(t, FrameExit, replay[len(replay)-1].Type)
	seqs := outputSeqs(replay)
	require.Len(t, seqs, 1)
	assert.Equal(t, int64(0), seqs[0])

	_, open := <-ch
	assert.False(t, open, "live channel for an exited session is pre-closed")
}

func TestSession_ResizeIsNoopOnPipeTransport(t *testing.T) {
	s := newPipeSession(t, 1<<20)
	require.NoError(t, s.Resize(120, 40))

	info := s.Info()
	assert.Equal(t, 80, info.Cols)
	assert.Equal(t, 24, info.Rows)
}

func TestSession_Reclaimable(t *testing.T) {
	s := newPipeSession(t, 1<<20)

	assert.False(t, s.reclaimable(time.Hour), "recent activity blocks reclaim")
	assert.True(t, s.reclaimable(0), "idle pipe session with no clients and no children is reclaimable")

	_, _, err := s.Attach("client-1", -1)
	require.NoError(t, err)
	assert.False(t, s.reclaimable(0), "attached client blocks reclaim")

	s.Detach("client-1")
	s.Close("test")
	waitFor(t, "session exits", func() bool { return !s.Running() })
	assert.True(t, s.reclaimable(time.Hour), "exited session is reclaimable regardless of ttl")
}
