package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/repository"
)

const testTenant = "tenant-1"

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	gone   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: map[string][][]byte{}, gone: map[string]bool{}}
}

func (s *recordingSender) Send(ctx context.Context, conn models.Connection, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[conn.ID] {
		return ErrConnectionGone
	}
	s.frames[conn.ID] = append(s.frames[conn.ID], frame)
	return nil
}

func (s *recordingSender) markGone(id string) {
	s.mu.Lock()
	s.gone[id] = true
	s.mu.Unlock()
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.frames = map[string][][]byte{}
	s.mu.Unlock()
}

func (s *recordingSender) events(t *testing.T, id string, eventType dto.EventType) []map[string]interface{} {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]interface{}
	for _, frame := range s.frames[id] {
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		if decoded["type"] == string(eventType) {
			out = append(out, decoded)
		}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []dto.NotificationSendRequest
}

func (n *recordingNotifier) Send(ctx context.Context, tenantID string, req dto.NotificationSendRequest) (dto.DispatchResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req)
	return dto.DispatchResult{Succeeded: true}, nil
}

func (n *recordingNotifier) sent() []dto.NotificationSendRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dto.NotificationSendRequest(nil), n.calls...)
}

type realtimeHarness struct {
	db          *gorm.DB
	redisServer *miniredis.Miniredis
	redis       *redis.Client
	connStore   repository.ConnectionStore
	presence    PresenceTracker
	registry    ConnectionRegistry
	sender      *recordingSender
	engine      BroadcastEngine
	notifier    *recordingNotifier
	messages    MessageService
	channels    ChannelService
	router      *ActionRouter
}

func newRealtimeHarness(t testing.TB) *realtimeHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	connStore := repository.NewConnectionStore(client, "test")
	presence := NewPresenceService(repository.NewPresenceStore(client, "test"), connStore, 2*time.Minute, logger)
	registry := NewConnectionRegistry(connStore, presence, "node-a", 90*time.Second, logger)
	sender := newRecordingSender()
	engine := NewBroadcastService(registry, sender, logger)
	presence.UsePublisher(engine)

	notifier := &recordingNotifier{}
	channelRepo := repository.NewChannelRepository(db)
	messages := NewMessageService(channelRepo, repository.NewMessageRepository(db), engine, notifier, presence, validate, 100, logger)
	messages.(*messageService).dispatch = func(fn func()) { fn() }
	channels := NewChannelService(channelRepo, messages, engine, registry, validate, logger)

	return &realtimeHarness{
		db:          db,
		redisServer: server,
		redis:       client,
		connStore:   connStore,
		presence:    presence,
		registry:    registry,
		sender:      sender,
		engine:      engine,
		notifier:    notifier,
		messages:    messages,
		channels:    channels,
		router:      NewActionRouter(channels, messages, registry, presence, engine),
	}
}

func (h *realtimeHarness) connect(t testing.TB, connectionID, userID string) Session {
	t.Helper()
	_, err := h.registry.Register(context.Background(), connectionID, userID, testTenant)
	require.NoError(t, err)
	return Session{ConnectionID: connectionID, UserID: userID, TenantID: testTenant}
}
