// Package push relays job and approval milestones to registered mobile
// devices through an external push provider. The daemon never talks to
// APNs or FCM directly: it POSTs a small JSON payload to the provider
// URL from configuration and the provider handles platform delivery.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

const maxAttempts = 2

// Notification is the payload delivered to the push provider, one POST
// per device.
type Notification struct {
	DeviceToken string `json:"deviceToken"`
	ThreadID    string `json:"threadId,omitempty"`
	JobID       string `json:"jobId,omitempty"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
}

// Notifier posts notifications to the configured provider. A Notifier
// with an empty provider URL is disabled and drops everything silently.
type Notifier struct {
	providerURL string
	authToken   string
	client      *http.Client
	logger      *logger.Logger
}

// NewNotifier builds a Notifier from push configuration.
func NewNotifier(cfg config.PushConfig, log *logger.Logger) *Notifier {
	return &Notifier{
		providerURL: cfg.ProviderURL,
		authToken:   cfg.AuthToken,
		client:      &http.Client{Timeout: cfg.TimeoutDuration()},
		logger:      log.WithComponent("push-notifier"),
	}
}

// Enabled reports whether a provider URL is configured.
func (n *Notifier) Enabled() bool {
	return n.providerURL != ""
}

// Send delivers one notification, retrying once on transient provider
// failures (429, 502-504, timeout). Non-transient failures are returned
// immediately; delivery is best effort and the caller decides whether a
// failure matters.
func (n *Notifier) Send(ctx context.Context, notification *Notification) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}

		delay := time.Duration(250*(1<<(attempt-1))) * time.Millisecond
		n.logger.Debug("push delivery failed, retrying",
			zap.Error(lastErr),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return fmt.Errorf("push delivery canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.providerURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return &deliveryError{cause: err, timeout: isTimeout(err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &deliveryError{status: resp.StatusCode}
}

// deliveryError carries enough of the provider response to classify the
// failure for the retry policy.
type deliveryError struct {
	status  int
	timeout bool
	cause   error
}

func (e *deliveryError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("push provider request failed: %v", e.cause)
	}
	return fmt.Sprintf("push provider returned status %d", e.status)
}

func (e *deliveryError) Unwrap() error {
	return e.cause
}

func isRetryable(err error) bool {
	var de *deliveryError
	if !errors.As(err, &de) {
		return false
	}
	if de.timeout {
		return true
	}
	switch de.status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
