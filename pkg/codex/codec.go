package codex

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameBytes is the largest line a FrameReader accepts by default.
const DefaultMaxFrameBytes = 8 * 1024 * 1024

// ErrFrameTooLarge is wrapped in a FramingError when a line exceeds the
// reader's size limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FramingError reports a violation of the line-framing contract: a line over
// the size limit or one that is not a JSON object. Framing errors are fatal
// to the transport; the stream has no way to resynchronize.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %v", e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// FrameKind classifies a decoded frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameNotification
)

// Frame is one decoded protocol message, before classification.
type Frame struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

// Kind classifies the frame: id with result or error is a response, id with
// method is a request, method alone is a notification.
func (f *Frame) Kind() FrameKind {
	hasID := f.ID != nil
	hasMethod := f.Method != ""
	switch {
	case hasID && !hasMethod && (f.Result != nil || f.Error != nil):
		return FrameResponse
	case hasID && hasMethod:
		return FrameRequest
	case hasMethod:
		return FrameNotification
	}
	return FrameUnknown
}

// FrameReader reads newline-delimited JSON frames from a stream.
type FrameReader struct {
	r        *bufio.Reader
	maxBytes int
}

// NewFrameReader creates a FrameReader over r. maxBytes <= 0 selects
// DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxBytes int) *FrameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &FrameReader{
		r:        bufio.NewReader(r),
		maxBytes: maxBytes,
	}
}

// ReadFrame returns the next frame. Blank lines are skipped. A line over the
// size limit or containing invalid JSON returns a *FramingError; a clean end
// of stream returns io.EOF.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	for {
		line, err := fr.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var f Frame
		if uerr := json.Unmarshal(line, &f); uerr != nil {
			return nil, &FramingError{Err: uerr}
		}
		return &f, nil
	}
}

// readLine accumulates one line, enforcing the size limit while the line is
// still unterminated so an oversized frame cannot grow without bound.
func (fr *FrameReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			line = line[:len(line)-1]
			if len(line) > fr.maxBytes {
				return nil, &FramingError{Err: ErrFrameTooLarge}
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > fr.maxBytes {
				return nil, &FramingError{Err: ErrFrameTooLarge}
			}
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				if len(line) > fr.maxBytes {
					return nil, &FramingError{Err: ErrFrameTooLarge}
				}
				return line, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// FrameWriter writes newline-delimited JSON frames. Writes are serialized so
// concurrent callers cannot interleave partial frames.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewFrameWriter creates a FrameWriter over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame marshals msg and writes it as a single line.
func (fw *FrameWriter) WriteFrame(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
