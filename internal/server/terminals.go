package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/terminal"
)

// terminalUpgrader upgrades terminal stream requests. Buffers are sized for
// TUI redraw bursts.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin accepts non-browser clients (no Origin), localhost
// origins, and same-host origins. Everything else is cross-site and refused.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip the port, minding IPv6 bracket notation.
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originURL.Hostname() == requestHost
}

// handleTerminalStatus handles GET /v1/threads/:id/terminal. A thread with
// no session answers with a null session rather than 404, so clients can
// poll without special-casing.
func (s *Server) handleTerminalStatus(c *gin.Context) {
	info, err := s.terminals.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if info == nil {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": info})
}

// handleTerminalOpen handles POST /v1/threads/:id/terminal/open. Reuses the
// thread's running session when there is one.
func (s *Server) handleTerminalOpen(c *gin.Context) {
	var req terminalOpenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, errors.ValidationError("body", err.Error()))
			return
		}
	}

	result, err := s.terminals.Open(c.Request.Context(), c.Param("id"), req.Cols, req.Rows)
	if err != nil {
		s.respondError(c, err)
		return
	}

	info := result.Session.Info()
	c.JSON(http.StatusOK, gin.H{
		"session": info,
		"wsPath":  "/v1/terminals/" + info.SessionID + "/stream",
		"reused":  result.Reused,
	})
}

// handleTerminalResize handles POST /v1/terminals/:sid/resize.
func (s *Server) handleTerminalResize(c *gin.Context) {
	var req terminalResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError("body", err.Error()))
		return
	}
	if err := s.terminals.Resize(c.Param("sid"), req.Cols, req.Rows); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTerminalClose handles POST /v1/terminals/:sid/close.
func (s *Server) handleTerminalClose(c *gin.Context) {
	if err := s.terminals.CloseSession(c.Param("sid"), "client request"); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTerminalStream handles GET /v1/terminals/:sid/stream. It upgrades
// to WebSocket and bridges JSON frames between the client and the PTY
// session: ring replay from fromSeq, then the live tail.
func (s *Server) handleTerminalStream(c *gin.Context) {
	sess, err := s.terminals.Get(c.Param("sid"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	fromSeq, err := parseInt64Query(c, "fromSeq", -1)
	if err != nil {
		s.respondError(c, errors.ValidationError("fromSeq", "must be an integer"))
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}

	s.runTerminalBridge(conn, sess, fromSeq)
}

// wsWriter serializes writes to one WebSocket connection; gorilla conns do
// not allow concurrent writers.
type wsWriter struct {
	mu   sync.Mutex
	conn *gorillaws.Conn
}

func (w *wsWriter) write(frame terminal.ServerFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

// runTerminalBridge pumps session frames to the client from a dedicated
// writer goroutine and dispatches client frames from the read loop. The
// session outlives the connection; only detach and exit end the session's
// side of the stream.
func (s *Server) runTerminalBridge(conn *gorillaws.Conn, sess *terminal.Session, fromSeq int64) {
	clientID := uuid.NewString()
	log := s.log.WithFields(
		zap.String("session_id", sess.ID),
		zap.String("client_id", clientID))

	replay, live, err := sess.Attach(clientID, fromSeq)
	if err != nil {
		_ = conn.WriteJSON(terminal.NewErrorFrame(errors.CodeOf(err), err.Error()))
		_ = conn.Close()
		return
	}

	w := &wsWriter{conn: conn}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, frame := range replay {
			if w.write(frame) != nil {
				return
			}
		}
		for frame := range live {
			if w.write(frame) != nil {
				return
			}
		}
	}()

	log.Info("terminal client attached")
	defer func() {
		sess.Detach(clientID)
		_ = conn.Close()
		<-done
		log.Info("terminal client detached")
	}()

	for {
		var frame terminal.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case terminal.FrameInput:
			if err := sess.WriteInput([]byte(frame.Data)); err != nil {
				_ = w.write(terminal.NewErrorFrame(errors.CodeOf(err), err.Error()))
			}
		case terminal.FrameResize:
			if err := sess.Resize(frame.Cols, frame.Rows); err != nil {
				_ = w.write(terminal.NewErrorFrame(errors.CodeOf(err), err.Error()))
			}
		case terminal.FramePing:
			_ = w.write(terminal.NewPongFrame(frame.ClientTs))
		case terminal.FrameDetach:
			return
		default:
			_ = w.write(terminal.NewErrorFrame(errors.ErrCodeValidationFailed,
				"unknown frame type: "+frame.Type))
		}
	}
}
