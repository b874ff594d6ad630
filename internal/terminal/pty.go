package terminal

import "io"

// Transport modes advertised in ready frames.
const (
	TransportPTY  = "pty"
	TransportPipe = "pipe"
)

// PtyHandle abstracts PTY operations across Unix and Windows.
// On Unix it wraps creack/pty (*os.File), on Windows a ConPTY.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}

// transport is the I/O surface of a spawned shell, either a real PTY or
// the plain-pipe fallback. closeIO shuts the input path to nudge the
// child toward exit; release frees the remaining descriptors once the
// readers have drained.
type transport struct {
	mode    string
	input   io.Writer
	outputs []io.Reader
	resize  func(cols, rows uint16) error // nil when unsupported
	closeIO func() error
	release func()
}
