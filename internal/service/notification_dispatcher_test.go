package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
	"github.com/noah-isme/gema-realtime/pkg/deadletter"
	"github.com/noah-isme/gema-realtime/pkg/notify"
)

type recordingDeadLetters struct {
	mu      sync.Mutex
	records []deadletter.Record
}

func (r *recordingDeadLetters) Publish(ctx context.Context, record deadletter.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingDeadLetters) Close() error { return nil }

func (r *recordingDeadLetters) all() []deadletter.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deadletter.Record(nil), r.records...)
}

type dispatcherFixture struct {
	dispatcher  NotificationDispatcher
	preferences repository.PreferenceRepository
	deliveries  repository.DeliveryRepository
	deadLetters *recordingDeadLetters
}

func newDispatcherFixture(t *testing.T, h *realtimeHarness, providers ...notify.Provider) dispatcherFixture {
	t.Helper()
	preferences := repository.NewPreferenceRepository(h.db)
	deliveries := repository.NewDeliveryRepository(h.db)
	deadLetters := &recordingDeadLetters{}

	dispatcher := NewNotificationDispatcher(
		repository.NewNotificationRepository(h.db),
		preferences,
		deliveries,
		h.engine,
		providers,
		deadLetters,
		validator.New(validator.WithRequiredStructEnabled()),
		DispatcherOptions{
			MaxAttempts:     3,
			InitialBackoff:  time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
			MaxElapsed:      time.Second,
			BreakerFailures: 10,
			BreakerTimeout:  time.Minute,
		},
		zerolog.Nop(),
	)
	return dispatcherFixture{dispatcher: dispatcher, preferences: preferences, deliveries: deliveries, deadLetters: deadLetters}
}

func emailServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := statuses[len(statuses)-1]
		if int(n) <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func emailProvider(t *testing.T, baseURL string) notify.Provider {
	t.Helper()
	provider, err := notify.NewEmailProvider(notify.EmailConfig{APIKey: "key", BaseURL: baseURL, SenderEmail: "noreply@gema.test"})
	require.NoError(t, err)
	return provider
}

func savePreference(t *testing.T, repo repository.PreferenceRepository, pref models.NotificationPreference) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), &pref))
}

func TestDispatchInAppOnlyWhenEmailDisabled(t *testing.T) {
	h := newRealtimeHarness(t)
	server, calls := emailServer(t, http.StatusCreated)
	fx := newDispatcherFixture(t, h, emailProvider(t, server.URL))
	ctx := context.Background()

	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant, InAppEnabled: true, Email: "a@example.com"})
	h.connect(t, "a-1", "A")
	h.sender.reset()

	result, err := fx.dispatcher.Send(ctx, testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "B mentioned you"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Outcomes, 1)
	require.Equal(t, models.DeliveryInApp, result.Outcomes[0].Channel)
	require.Zero(t, atomic.LoadInt32(calls))
	require.Len(t, h.sender.events(t, "a-1", dto.EventNotification), 1)

	unread, err := fx.dispatcher.List(ctx, testTenant, "A", dto.NotificationListQuery{Status: "unread"})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	require.Equal(t, result.Notification.NotificationID, unread[0].NotificationID)

	read, err := fx.dispatcher.MarkRead(ctx, testTenant, "A", unread[0].NotificationID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationRead, read.Status)

	unread, err = fx.dispatcher.List(ctx, testTenant, "A", dto.NotificationListQuery{Status: "unread"})
	require.NoError(t, err)
	require.Empty(t, unread)

	_, err = fx.dispatcher.MarkRead(ctx, testTenant, "B", read.NotificationID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	h := newRealtimeHarness(t)
	server, calls := emailServer(t, http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusCreated)
	fx := newDispatcherFixture(t, h, emailProvider(t, server.URL))

	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant, EmailEnabled: true, Email: "a@example.com"})

	result, err := fx.dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Outcomes, 1)
	require.Equal(t, 3, result.Outcomes[0].Attempts)
	require.EqualValues(t, 3, atomic.LoadInt32(calls))

	deliveries, err := fx.deliveries.ListByNotification(context.Background(), result.Notification.NotificationID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, models.DeliveryDelivered, deliveries[0].Status)
}

func TestDispatchPermanentFailureIsNotRetried(t *testing.T) {
	h := newRealtimeHarness(t)
	server, calls := emailServer(t, http.StatusBadRequest)
	fx := newDispatcherFixture(t, h, emailProvider(t, server.URL))

	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant, EmailEnabled: true, Email: "a@example.com"})

	result, err := fx.dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotErrorIs(t, err, ErrProviderUnavailable)
	require.False(t, result.Succeeded)
	require.False(t, result.Degraded())
	require.Equal(t, 1, result.Outcomes[0].Attempts)
	require.EqualValues(t, 1, atomic.LoadInt32(calls))

	deliveries, err := fx.deliveries.ListByNotification(context.Background(), result.Notification.NotificationID)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryDeadLetter, deliveries[0].Status)

	letters := fx.deadLetters.all()
	require.Len(t, letters, 1)
	require.Equal(t, "email", letters[0].Channel)

	stored, err := fx.dispatcher.List(context.Background(), testTenant, "A", dto.NotificationListQuery{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestDispatchMissingAddressIsPermanent(t *testing.T) {
	h := newRealtimeHarness(t)
	server, calls := emailServer(t, http.StatusCreated)
	fx := newDispatcherFixture(t, h, emailProvider(t, server.URL))

	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant, EmailEnabled: true, InAppEnabled: true})

	result, err := fx.dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Len(t, result.Outcomes, 2)
	require.True(t, result.Outcomes[0].Succeeded)
	require.False(t, result.Outcomes[1].Succeeded)
	require.Zero(t, result.Outcomes[1].Attempts)
	require.Zero(t, atomic.LoadInt32(calls))
}

func TestDispatchDegradedWhenProviderMissing(t *testing.T) {
	h := newRealtimeHarness(t)
	fx := newDispatcherFixture(t, h)

	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant, SMSEnabled: true, Phone: "+15550001111"})

	result, err := fx.dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.ErrorIs(t, err, ErrDeliveryFailed)
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.True(t, result.Degraded())

	letters := fx.deadLetters.all()
	require.Len(t, letters, 1)
	require.True(t, letters[0].Degraded)
}

func TestDispatchWithNoEnabledChannelsSucceeds(t *testing.T) {
	h := newRealtimeHarness(t)
	fx := newDispatcherFixture(t, h)
	savePreference(t, fx.preferences, models.NotificationPreference{UserID: "A", TenantID: testTenant})

	result, err := fx.dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "digest", Title: "weekly"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.Empty(t, result.Outcomes)
}

func TestPreferencesDefaultAndUpdate(t *testing.T) {
	h := newRealtimeHarness(t)
	fx := newDispatcherFixture(t, h)
	ctx := context.Background()

	pref, err := fx.dispatcher.Preferences(ctx, testTenant, "A")
	require.NoError(t, err)
	require.True(t, pref.EmailEnabled)
	require.True(t, pref.InAppEnabled)
	require.False(t, pref.PushEnabled)
	require.False(t, pref.SMSEnabled)

	off := false
	phone := "+15550001111"
	pref, err = fx.dispatcher.UpdatePreferences(ctx, testTenant, "A", dto.PreferenceUpdateRequest{EmailEnabled: &off, Phone: &phone})
	require.NoError(t, err)
	require.False(t, pref.EmailEnabled)
	require.True(t, pref.InAppEnabled)
	require.Equal(t, phone, pref.Phone)

	bad := "not-a-phone"
	_, err = fx.dispatcher.UpdatePreferences(ctx, testTenant, "A", dto.PreferenceUpdateRequest{Phone: &bad})
	require.ErrorIs(t, err, ErrValidation)
}

type flakyNotificationStore struct {
	repository.NotificationRepository
	failures int32
	calls    int32
}

func (s *flakyNotificationStore) Create(ctx context.Context, notification *models.Notification) error {
	if atomic.AddInt32(&s.calls, 1) <= atomic.LoadInt32(&s.failures) {
		return errors.New("connection reset by peer")
	}
	return s.NotificationRepository.Create(ctx, notification)
}

func newFlakyDispatcher(h *realtimeHarness, store *flakyNotificationStore) NotificationDispatcher {
	return NewNotificationDispatcher(
		store,
		repository.NewPreferenceRepository(h.db),
		repository.NewDeliveryRepository(h.db),
		h.engine,
		nil,
		nil,
		validator.New(validator.WithRequiredStructEnabled()),
		DispatcherOptions{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxElapsed: time.Second},
		zerolog.Nop(),
	)
}

func TestDispatchRetriesNotificationPersist(t *testing.T) {
	h := newRealtimeHarness(t)
	store := &flakyNotificationStore{NotificationRepository: repository.NewNotificationRepository(h.db), failures: 2}
	dispatcher := newFlakyDispatcher(h, store)
	ctx := context.Background()

	result, err := dispatcher.Send(ctx, testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	require.EqualValues(t, 3, atomic.LoadInt32(&store.calls))

	stored, err := dispatcher.List(ctx, testTenant, "A", dto.NotificationListQuery{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestDispatchSurfacesPersistFailureAfterRetries(t *testing.T) {
	h := newRealtimeHarness(t)
	store := &flakyNotificationStore{NotificationRepository: repository.NewNotificationRepository(h.db), failures: 100}
	dispatcher := newFlakyDispatcher(h, store)

	_, err := dispatcher.Send(context.Background(), testTenant, dto.NotificationSendRequest{UserID: "A", Type: "mention", Title: "hi"})
	require.ErrorIs(t, err, ErrTransient)
	require.EqualValues(t, 3, atomic.LoadInt32(&store.calls))
}
