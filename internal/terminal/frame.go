package terminal

// Frame types on the terminal WebSocket.
const (
	FrameInput  = "input"
	FrameResize = "resize"
	FramePing   = "ping"
	FrameDetach = "detach"

	FrameReady  = "ready"
	FrameOutput = "output"
	FramePong   = "pong"
	FrameExit   = "exit"
	FrameError  = "error"
)

// ClientFrame is a message received from a WebSocket client.
type ClientFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	ClientTs int64  `json:"clientTs,omitempty"`
}

// ServerFrame is a message sent to WebSocket clients. Only the fields for
// the given Type are populated; the rest are omitted on the wire.
type ServerFrame struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId,omitempty"`
	ThreadID      string `json:"threadId,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	TransportMode string `json:"transportMode,omitempty"`
	Seq           *int64 `json:"seq,omitempty"`
	Data          string `json:"data,omitempty"`
	ClientTs      int64  `json:"clientTs,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	Signal        string `json:"signal,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// NewReadyFrame builds the first frame sent on every attach.
func NewReadyFrame(sessionID, threadID, cwd, transportMode string) ServerFrame {
	return ServerFrame{
		Type:          FrameReady,
		SessionID:     sessionID,
		ThreadID:      threadID,
		Cwd:           cwd,
		TransportMode: transportMode,
	}
}

// NewOutputFrame builds an output frame carrying one ring entry.
func NewOutputFrame(seq int64, data string) ServerFrame {
	return ServerFrame{Type: FrameOutput, Seq: &seq, Data: data}
}

// NewPongFrame echoes a client ping timestamp.
func NewPongFrame(clientTs int64) ServerFrame {
	return ServerFrame{Type: FramePong, ClientTs: clientTs}
}

// NewExitFrame reports child process exit to attached clients.
func NewExitFrame(exitCode int, signal string) ServerFrame {
	return ServerFrame{Type: FrameExit, ExitCode: &exitCode, Signal: signal}
}

// NewErrorFrame reports a protocol-level error to one client.
func NewErrorFrame(code, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code, Message: message}
}
