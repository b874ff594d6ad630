package push

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/store"
)

// Notification kinds as seen by the provider and the mobile client.
const (
	KindApprovalRequired = "approvalRequired"
	KindJobFinished      = "jobFinished"
)

// Service owns the device registry and turns bus events into provider
// notifications. Devices registered with a threadScope only hear about
// that thread; all other devices hear about everything.
type Service struct {
	store    *store.Store
	notifier *Notifier
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewService creates the push service.
func NewService(st *store.Store, notifier *Notifier, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		bus:      eventBus,
		logger:   log.WithComponent("push-service"),
	}
}

// Start subscribes to the job and approval subjects. With no provider
// configured the subscriptions are skipped entirely; registrations are
// still accepted so devices survive a later config change.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil || !s.notifier.Enabled() {
		s.logger.Info("push delivery disabled")
		return nil
	}
	if _, err := s.bus.Subscribe(events.BuildJobFinishedWildcardSubject(), s.handleJobFinished); err != nil {
		return fmt.Errorf("subscribe job finished: %w", err)
	}
	if _, err := s.bus.Subscribe(events.BuildApprovalRequiredWildcardSubject(), s.handleApprovalRequired); err != nil {
		return fmt.Errorf("subscribe approval required: %w", err)
	}
	s.logger.Info("push delivery enabled")
	return nil
}

// Register stores or refreshes a device registration keyed by token.
func (s *Service) Register(ctx context.Context, device *store.Device) error {
	if strings.TrimSpace(device.Token) == "" {
		return errors.ValidationError("token", "token is required")
	}
	if strings.TrimSpace(device.Platform) == "" {
		return errors.ValidationError("platform", "platform is required")
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return errors.InternalError("failed to register device", err)
	}
	s.logger.Info("push device registered",
		zap.String("platform", device.Platform),
		zap.String("thread_scope", device.ThreadScope))
	return nil
}

// Unregister removes a device registration. Unknown tokens succeed.
func (s *Service) Unregister(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.ValidationError("token", "token is required")
	}
	if err := s.store.DeleteDevice(ctx, token); err != nil {
		return errors.InternalError("failed to unregister device", err)
	}
	s.logger.Info("push device unregistered")
	return nil
}

func (s *Service) handleJobFinished(ctx context.Context, event *bus.Event) error {
	state, _ := event.Data["state"].(string)
	// Cancellations are user-initiated from the client; nobody to alert.
	if state == store.JobStateCancelled {
		return nil
	}
	threadID, _ := event.Data["threadId"].(string)
	jobID, _ := event.Data["jobId"].(string)

	title := "Turn completed"
	body := ""
	if state == store.JobStateFailed {
		title = "Turn failed"
		body, _ = event.Data["errorMessage"].(string)
	}

	s.fanOut(ctx, threadID, &Notification{
		ThreadID: threadID,
		JobID:    jobID,
		Kind:     KindJobFinished,
		Title:    title,
		Body:     body,
	})
	return nil
}

func (s *Service) handleApprovalRequired(ctx context.Context, event *bus.Event) error {
	threadID, _ := event.Data["threadId"].(string)
	jobID, _ := event.Data["jobId"].(string)
	command, _ := event.Data["command"].(string)
	reason, _ := event.Data["reason"].(string)

	body := command
	if body == "" {
		body = reason
	}

	s.fanOut(ctx, threadID, &Notification{
		ThreadID: threadID,
		JobID:    jobID,
		Kind:     KindApprovalRequired,
		Title:    "Approval required",
		Body:     body,
	})
	return nil
}

// fanOut sends one notification per matching device. Delivery failures
// are logged and swallowed; a dead provider must never stall the bus.
func (s *Service) fanOut(ctx context.Context, threadID string, notification *Notification) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		s.logger.Error("failed to list push devices", zap.Error(err))
		return
	}

	for _, device := range devices {
		if device.ThreadScope != "" && device.ThreadScope != threadID {
			continue
		}
		n := *notification
		n.DeviceToken = device.Token
		if err := s.notifier.Send(ctx, &n); err != nil {
			s.logger.Warn("push delivery failed",
				zap.String("kind", n.Kind),
				zap.String("platform", device.Platform),
				zap.Error(err))
		}
	}
}
