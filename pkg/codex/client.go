package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/coderelay/coderelay/internal/common/logger"
	"go.uber.org/zap"
)

// ErrTransportClosed is returned by in-flight and subsequent calls once the
// stdio transport has shut down. The transport never restarts; callers are
// expected to fail the work that depended on it.
var ErrTransportClosed = errors.New("transport closed")

// Client handles JSON-RPC communication with the agent over stdin/stdout
// streams. Responses are correlated to requests by id; inbound requests and
// notifications from the agent are dispatched to registered handlers.
type Client struct {
	writer *FrameWriter
	reader *FrameReader

	requestID atomic.Int64
	pending   map[interface{}]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)
	onClose        func(err error)

	logger    *logger.Logger
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// NewClient creates a client over the agent's stdin/stdout pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		writer:  NewFrameWriter(stdin),
		reader:  NewFrameReader(stdout, DefaultMaxFrameBytes),
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the agent
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// SetCloseHandler sets a callback invoked once when the transport shuts
// down, with the error that caused it.
func (c *Client) SetCloseHandler(handler func(err error)) {
	c.onClose = handler
}

// Start begins reading frames from stdout
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close shuts the client down and unblocks every in-flight call with
// ErrTransportClosed.
func (c *Client) Close() {
	c.closeWith(ErrTransportClosed)
}

// Done is closed when the transport has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// Call sends a request and waits for the matching response
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeErr
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	notif := &Notification{Method: method, Params: paramsJSON}
	return c.send(notif)
}

// SendResponse sends a response to an agent request
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var marshalErr error
		resultJSON, marshalErr = json.Marshal(result)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal result: %w", marshalErr)
		}
	}
	resp := &Response{ID: id, Result: resultJSON, Error: respErr}
	return c.send(resp)
}

// SendError sends an error response to an agent request
func (c *Client) SendError(id interface{}, code int, message string) error {
	return c.SendResponse(id, nil, &Error{Code: code, Message: message})
}

func (c *Client) send(msg interface{}) error {
	if err := c.writer.WriteFrame(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("sent message", zap.Any("msg", msg))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.closeWith(ErrTransportClosed)
			return
		case <-c.done:
			return
		default:
		}

		frame, err := c.reader.ReadFrame()
		if err != nil {
			var fe *FramingError
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Debug("agent stdout closed")
				c.closeWith(ErrTransportClosed)
			case errors.As(err, &fe):
				c.logger.Error("framing violation, closing transport", zap.Error(err))
				c.closeWith(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			default:
				c.logger.Error("read loop error", zap.Error(err))
				c.closeWith(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			}
			return
		}

		switch frame.Kind() {
		case FrameResponse:
			c.handleResponse(&Response{ID: frame.ID, Result: frame.Result, Error: frame.Error})
		case FrameRequest:
			c.handleRequest(frame.ID, frame.Method, frame.Params)
		case FrameNotification:
			c.handleNotification(frame.Method, frame.Params)
		default:
			c.logger.Warn("dropping unclassifiable frame", zap.Any("id", frame.ID))
		}
	}
}

func (c *Client) handleResponse(resp *Response) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

// normalizeID maps JSON-decoded numeric ids back to the int64 keys used for
// outbound requests.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
	} else {
		c.logger.Warn("received request but no handler registered", zap.String("method", method))
		if err := c.SendError(id, MethodNotFound, "Method not found"); err != nil {
			c.logger.Warn("failed to send method not found response", zap.Error(err))
		}
	}
}
