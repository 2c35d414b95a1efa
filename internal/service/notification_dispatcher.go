package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/pkg/deadletter"
	"github.com/noah-isme/gema-realtime/pkg/notify"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

// UserPublisher pushes events to every live connection of a user.
type UserPublisher interface {
	ToUser(ctx context.Context, tenantID, userID string, event dto.OutboundEvent) BroadcastReport
}

// NotificationDispatcher persists notifications and delivers them on each enabled channel.
type NotificationDispatcher interface {
	Send(ctx context.Context, tenantID string, req dto.NotificationSendRequest) (dto.DispatchResult, error)
	List(ctx context.Context, tenantID, userID string, query dto.NotificationListQuery) ([]dto.NotificationResponse, error)
	MarkRead(ctx context.Context, tenantID, userID, notificationID string) (dto.NotificationResponse, error)
	Preferences(ctx context.Context, tenantID, userID string) (dto.PreferenceResponse, error)
	UpdatePreferences(ctx context.Context, tenantID, userID string, req dto.PreferenceUpdateRequest) (dto.PreferenceResponse, error)
}

// DispatcherOptions bound retries and circuit breaking per provider.
type DispatcherOptions struct {
	MaxAttempts     uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxElapsed      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type notificationDispatcher struct {
	notifications repository.NotificationRepository
	preferences   repository.PreferenceRepository
	deliveries    repository.DeliveryRepository
	publisher     UserPublisher
	providers     map[models.DeliveryChannel]notify.Provider
	breakers      map[models.DeliveryChannel]*gobreaker.CircuitBreaker
	deadLetters   deadletter.Publisher
	validator     *validator.Validate
	sanitizer     *bluemonday.Policy
	opts          DispatcherOptions
	logger        zerolog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewNotificationDispatcher wires providers by channel. A nil deadLetters disables dead-letter publishing.
func NewNotificationDispatcher(
	notifications repository.NotificationRepository,
	preferences repository.PreferenceRepository,
	deliveries repository.DeliveryRepository,
	publisher UserPublisher,
	providers []notify.Provider,
	deadLetters deadletter.Publisher,
	validate *validator.Validate,
	opts DispatcherOptions,
	logger zerolog.Logger,
) NotificationDispatcher {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	d := &notificationDispatcher{
		notifications: notifications,
		preferences:   preferences,
		deliveries:    deliveries,
		publisher:     publisher,
		providers:     make(map[models.DeliveryChannel]notify.Provider),
		breakers:      make(map[models.DeliveryChannel]*gobreaker.CircuitBreaker),
		deadLetters:   deadLetters,
		validator:     validate,
		sanitizer:     bluemonday.StrictPolicy(),
		opts:          opts,
		logger:        logger.With().Str("component", "notification_dispatcher").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/gema-realtime/internal/service/notification"),
		now:           func() time.Time { return time.Now().UTC() },
	}

	for _, provider := range providers {
		if provider == nil {
			continue
		}
		channel := models.DeliveryChannel(provider.Channel())
		d.providers[channel] = provider
		d.breakers[channel] = d.newBreaker(channel)
	}

	return d
}

func (d *notificationDispatcher) newBreaker(channel models.DeliveryChannel) *gobreaker.CircuitBreaker {
	failures := d.opts.BreakerFailures
	logger := d.logger
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify-" + string(channel),
		MaxRequests: 1,
		Timeout:     d.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A rejected recipient says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || notify.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("delivery breaker state changed")
		},
	})
}

// Send persists first, then delivers on every enabled channel concurrently.
func (d *notificationDispatcher) Send(ctx context.Context, tenantID string, req dto.NotificationSendRequest) (dto.DispatchResult, error) {
	if err := d.validator.Struct(req); err != nil {
		return dto.DispatchResult{}, wrapValidator(err)
	}
	if strings.TrimSpace(tenantID) == "" {
		return dto.DispatchResult{}, validationError("tenant is required")
	}

	ctx, span := d.tracer.Start(ctx, "notifications.send", trace.WithAttributes(
		attribute.String("notification.user_id", req.UserID),
		attribute.String("notification.type", req.Type),
	))
	defer span.End()

	notification := models.Notification{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(req.UserID),
		TenantID:  tenantID,
		Type:      strings.TrimSpace(req.Type),
		Title:     d.sanitizer.Sanitize(strings.TrimSpace(req.Title)),
		Body:      d.sanitizer.Sanitize(strings.TrimSpace(req.Body)),
		Data:      req.Data,
		Status:    models.NotificationUnread,
		CreatedAt: d.now(),
	}
	if notification.Data == nil {
		notification.Data = map[string]interface{}{}
	}

	if err := d.persist(ctx, &notification); err != nil {
		span.RecordError(err)
		return dto.DispatchResult{}, err
	}

	pref, err := d.loadPreference(ctx, tenantID, notification.UserID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", notification.UserID).Msg("falling back to default notification preferences")
		pref = models.DefaultNotificationPreference(notification.UserID, tenantID)
	}

	channels := pref.EnabledChannels()
	outcomes := make([]dto.ChannelOutcome, len(channels))

	var group errgroup.Group
	for i, channel := range channels {
		group.Go(func() error {
			outcomes[i] = d.deliver(ctx, notification, pref, channel)
			return nil
		})
	}
	_ = group.Wait()

	result := dto.DispatchResult{
		Notification: dto.NewNotificationResponse(notification),
		Outcomes:     outcomes,
		Succeeded:    len(channels) == 0,
	}
	for _, outcome := range outcomes {
		if outcome.Succeeded {
			result.Succeeded = true
		}
		d.record(ctx, notification, outcome)
	}

	if !result.Succeeded {
		span.SetAttributes(attribute.Bool("notification.degraded", result.Degraded()))
		if result.Degraded() {
			return result, fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrProviderUnavailable)
		}
		return result, ErrDeliveryFailed
	}
	return result, nil
}

func (d *notificationDispatcher) deliver(ctx context.Context, notification models.Notification, pref models.NotificationPreference, channel models.DeliveryChannel) dto.ChannelOutcome {
	outcome := dto.ChannelOutcome{Channel: channel}

	if channel == models.DeliveryInApp {
		outcome.Attempts = 1
		outcome.Succeeded = true
		if d.publisher != nil {
			d.publisher.ToUser(ctx, notification.TenantID, notification.UserID, dto.NewEvent(dto.EventNotification, dto.NotificationEvent{
				Notification: dto.NewNotificationResponse(notification),
			}))
		}
		return outcome
	}

	provider, ok := d.providers[channel]
	if !ok {
		outcome.Degraded = true
		outcome.Error = fmt.Sprintf("%s: %s provider is not configured", ErrProviderUnavailable, channel)
		return outcome
	}

	address, err := d.address(pref, channel)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	message := notify.Message{
		To:       address,
		Title:    notification.Title,
		Body:     notification.Body,
		Data:     notification.Data,
		TenantID: notification.TenantID,
		UserID:   notification.UserID,
	}
	breaker := d.breakers[channel]
	d.logger.Debug().
		Str("notification_id", notification.ID).
		Str("channel", string(channel)).
		Str("recipient", maskRecipient(channel, address)).
		Msg("delivering notification")

	operation := func() (struct{}, error) {
		outcome.Attempts++
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, provider.Send(ctx, message)
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
		case notify.IsPermanent(err):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", ErrPermanentDelivery, err))
		default:
			return struct{}{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	_, err = backoff.Retry(ctx, operation, d.retryOptions(func(err error, next time.Duration) {
		d.logger.Debug().Err(err).Str("channel", string(channel)).Dur("retry_in", next).Msg("retrying notification delivery")
	})...)
	if err != nil {
		outcome.Error = err.Error()
		outcome.Degraded = errors.Is(err, ErrProviderUnavailable)
		return outcome
	}

	outcome.Succeeded = true
	return outcome
}

// persist retries store hiccups with the delivery backoff policy. Duplicate ids are not retried.
func (d *notificationDispatcher) persist(ctx context.Context, notification *models.Notification) error {
	operation := func() (struct{}, error) {
		err := d.notifications.Create(ctx, notification)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, repository.ErrDuplicate):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: notification %s", ErrAlreadyExists, notification.ID))
		default:
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(ctx, operation, d.retryOptions(func(err error, next time.Duration) {
		d.logger.Warn().Err(err).Str("notification_id", notification.ID).Dur("retry_in", next).Msg("retrying notification persist")
	})...)
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return fmt.Errorf("%w: persist notification: %v", ErrTransient, err)
}

func (d *notificationDispatcher) retryOptions(onRetry backoff.Notify) []backoff.RetryOption {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.InitialBackoff
	policy.MaxInterval = d.opts.MaxBackoff

	return []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(d.opts.MaxAttempts),
		backoff.WithMaxElapsedTime(d.opts.MaxElapsed),
		backoff.WithNotify(onRetry),
	}
}

func (d *notificationDispatcher) address(pref models.NotificationPreference, channel models.DeliveryChannel) (string, error) {
	var address, rule string
	switch channel {
	case models.DeliveryEmail:
		address, rule = strings.TrimSpace(pref.Email), "required,email"
	case models.DeliverySMS:
		address, rule = strings.TrimSpace(pref.Phone), "required,e164"
	case models.DeliveryPush:
		address, rule = strings.TrimSpace(pref.DeviceToken), "required"
	default:
		return "", fmt.Errorf("%w: unsupported channel %s", ErrPermanentDelivery, channel)
	}
	if err := d.validator.Var(address, rule); err != nil {
		return "", fmt.Errorf("%w: missing or invalid %s address", ErrPermanentDelivery, channel)
	}
	return address, nil
}

func (d *notificationDispatcher) record(ctx context.Context, notification models.Notification, outcome dto.ChannelOutcome) {
	status := models.DeliveryDelivered
	metricOutcome := "delivered"
	switch {
	case outcome.Succeeded:
	case outcome.Degraded:
		status, metricOutcome = models.DeliveryDegraded, "degraded"
	default:
		status, metricOutcome = models.DeliveryDeadLetter, "dead_letter"
	}
	observability.NotificationDeliveries().WithLabelValues(string(outcome.Channel), metricOutcome).Inc()

	if d.deliveries != nil {
		err := d.deliveries.Record(ctx, &models.NotificationDelivery{
			NotificationID: notification.ID,
			TenantID:       notification.TenantID,
			UserID:         notification.UserID,
			Channel:        outcome.Channel,
			Status:         status,
			Attempts:       outcome.Attempts,
			Error:          outcome.Error,
			CreatedAt:      d.now(),
		})
		if err != nil {
			d.logger.Error().Err(err).Str("notification_id", notification.ID).Msg("failed to record delivery outcome")
		}
	}

	if outcome.Succeeded {
		return
	}

	d.logger.Warn().
		Str("notification_id", notification.ID).
		Str("channel", string(outcome.Channel)).
		Int("attempts", outcome.Attempts).
		Bool("degraded", outcome.Degraded).
		Str("error", outcome.Error).
		Msg("notification delivery failed")

	if d.deadLetters == nil {
		return
	}
	err := d.deadLetters.Publish(ctx, deadletter.Record{
		NotificationID: notification.ID,
		TenantID:       notification.TenantID,
		UserID:         notification.UserID,
		Channel:        string(outcome.Channel),
		Attempts:       outcome.Attempts,
		Degraded:       outcome.Degraded,
		Error:          outcome.Error,
		FailedAt:       d.now(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("notification_id", notification.ID).Msg("failed to publish dead letter")
	}
}

func (d *notificationDispatcher) List(ctx context.Context, tenantID, userID string, query dto.NotificationListQuery) ([]dto.NotificationResponse, error) {
	if err := d.validator.Struct(query); err != nil {
		return nil, wrapValidator(err)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	items, err := d.notifications.ListByUser(ctx, tenantID, userID, models.NotificationStatus(query.Status), limit, query.Offset)
	if err != nil {
		return nil, err
	}
	return dto.NewNotificationResponseSlice(items), nil
}

func (d *notificationDispatcher) MarkRead(ctx context.Context, tenantID, userID, notificationID string) (dto.NotificationResponse, error) {
	notification, err := d.notifications.MarkRead(ctx, tenantID, userID, notificationID, d.now())
	if err != nil {
		return dto.NotificationResponse{}, translateRepoError(err, "notification "+notificationID)
	}
	return dto.NewNotificationResponse(notification), nil
}

func (d *notificationDispatcher) Preferences(ctx context.Context, tenantID, userID string) (dto.PreferenceResponse, error) {
	pref, err := d.loadPreference(ctx, tenantID, userID)
	if err != nil {
		return dto.PreferenceResponse{}, err
	}
	return dto.NewPreferenceResponse(pref), nil
}

func (d *notificationDispatcher) UpdatePreferences(ctx context.Context, tenantID, userID string, req dto.PreferenceUpdateRequest) (dto.PreferenceResponse, error) {
	if err := d.validator.Struct(req); err != nil {
		return dto.PreferenceResponse{}, wrapValidator(err)
	}

	pref, err := d.loadPreference(ctx, tenantID, userID)
	if err != nil {
		return dto.PreferenceResponse{}, err
	}

	if req.EmailEnabled != nil {
		pref.EmailEnabled = *req.EmailEnabled
	}
	if req.PushEnabled != nil {
		pref.PushEnabled = *req.PushEnabled
	}
	if req.SMSEnabled != nil {
		pref.SMSEnabled = *req.SMSEnabled
	}
	if req.InAppEnabled != nil {
		pref.InAppEnabled = *req.InAppEnabled
	}
	if req.Email != nil {
		pref.Email = strings.TrimSpace(*req.Email)
	}
	if req.Phone != nil {
		pref.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.DeviceToken != nil {
		pref.DeviceToken = strings.TrimSpace(*req.DeviceToken)
	}
	pref.UpdatedAt = d.now()

	if err := d.preferences.Upsert(ctx, &pref); err != nil {
		return dto.PreferenceResponse{}, err
	}
	return dto.NewPreferenceResponse(pref), nil
}

func (d *notificationDispatcher) loadPreference(ctx context.Context, tenantID, userID string) (models.NotificationPreference, error) {
	pref, err := d.preferences.Get(ctx, tenantID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.DefaultNotificationPreference(userID, tenantID), nil
	}
	return pref, err
}
