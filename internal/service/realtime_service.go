package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

// SocketConn is the subset of a websocket connection the realtime loop needs.
type SocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionOptions carries the authenticated identity of a websocket.
type ConnectionOptions struct {
	Context       context.Context
	ConnectionID  string
	UserID        string
	TenantID      string
	CorrelationID string
}

// RealtimeOptions tunes per-connection buffering, keepalive and inbound throttling.
type RealtimeOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	InboundRate  float64
	InboundBurst int
}

// RealtimeService runs the read and write loops of a websocket connection.
type RealtimeService interface {
	ServeConnection(conn SocketConn, opts ConnectionOptions)
}

type realtimeService struct {
	registry ConnectionRegistry
	hub      ConnectionHub
	router   *ActionRouter
	opts     RealtimeOptions
	logger   zerolog.Logger
}

type realtimeClient struct {
	id      string
	session Session
	conn    SocketConn
	send    chan []byte
	closed  chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	service *realtimeService
	logger  zerolog.Logger
}

// NewRealtimeService constructs the websocket connection runner.
func NewRealtimeService(registry ConnectionRegistry, hub ConnectionHub, router *ActionRouter, opts RealtimeOptions, logger zerolog.Logger) RealtimeService {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.InboundRate <= 0 {
		opts.InboundRate = 20
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 40
	}
	return &realtimeService{
		registry: registry,
		hub:      hub,
		router:   router,
		opts:     opts,
		logger:   logger.With().Str("component", "realtime_service").Logger(),
	}
}

// ServeConnection blocks until the connection closes. Events from one connection are handled in order.
func (s *realtimeService) ServeConnection(conn SocketConn, opts ConnectionOptions) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	connectionID := opts.ConnectionID
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	client := &realtimeClient{
		id:      connectionID,
		session: Session{ConnectionID: connectionID, UserID: opts.UserID, TenantID: opts.TenantID},
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		closed:  make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.opts.InboundRate), s.opts.InboundBurst),
		service: s,
		logger: s.logger.With().
			Str("connection_id", connectionID).
			Str("user_id", opts.UserID).
			Str("tenant_id", opts.TenantID).
			Str("correlation_id", opts.CorrelationID).
			Logger(),
	}

	// Attach before registering so presence events triggered by registration reach this socket.
	var err error
	if !s.hub.attach(connectionID, client) {
		err = fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	} else if _, err = s.registry.Register(ctx, connectionID, opts.UserID, opts.TenantID); err != nil {
		s.hub.detach(connectionID, client)
	}
	if err != nil {
		client.logger.Warn().Err(err).Msg("connection registration failed")
		if frame, encodeErr := json.Marshal(ErrorEvent(dto.InboundEnvelope{}, err)); encodeErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, frame)
		}
		client.close()
		return
	}
	client.logger.Info().Msg("realtime connection opened")

	go client.writer()

	client.reader(ctx)

	s.hub.detach(connectionID, client)
	if err := s.registry.Deregister(context.WithoutCancel(ctx), connectionID); err != nil {
		client.logger.Warn().Err(err).Msg("failed to deregister connection")
	}
	client.logger.Info().Msg("realtime connection closed")
}

func (c *realtimeClient) reader(ctx context.Context) {
	defer c.close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("realtime read loop ended")
			return
		}

		select {
		case <-c.closed:
			return
		default:
		}

		c.handle(ctx, raw)
	}
}

func (c *realtimeClient) handle(ctx context.Context, raw []byte) {
	if !c.limiter.Allow() {
		observability.RealtimeEvents().WithLabelValues("unknown", "rate_limited").Inc()
		c.reply(ErrorEvent(dto.InboundEnvelope{}, ErrRateLimited))
		return
	}

	envelope, err := DecodeEnvelope(raw)
	if err != nil {
		observability.RealtimeEvents().WithLabelValues(actionLabel(envelope.Action), "invalid").Inc()
		c.reply(ErrorEvent(envelope, err))
		return
	}

	event, err := c.service.router.Dispatch(ctx, c.session, envelope)
	if err != nil && envelope.Action == dto.ActionHeartbeat && errors.Is(err, ErrNotFound) {
		// The registry no longer knows this socket; the client has to reconnect.
		observability.RealtimeEvents().WithLabelValues(string(envelope.Action), "connection_expired").Inc()
		c.logger.Info().Msg("heartbeat from expired connection")
		c.shutdown(c.encode(ErrorEvent(envelope, ErrConnectionExpired)))
		return
	}
	if err != nil {
		observability.RealtimeEvents().WithLabelValues(actionLabel(envelope.Action), ErrorCode(err)).Inc()
		c.logger.Debug().Err(err).Str("action", string(envelope.Action)).Msg("realtime action failed")
		c.reply(ErrorEvent(envelope, err))
		return
	}

	observability.RealtimeEvents().WithLabelValues(string(envelope.Action), "ok").Inc()
	if event != nil {
		c.reply(*event)
	}
}

func (c *realtimeClient) encode(event dto.OutboundEvent) []byte {
	frame, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode realtime event")
		return nil
	}
	return frame
}

func (c *realtimeClient) reply(event dto.OutboundEvent) {
	frame := c.encode(event)
	if frame == nil {
		return
	}
	if err := c.enqueue(frame); err != nil {
		c.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("dropping reply")
	}
}

// enqueue never blocks; a full buffer marks the consumer slow.
func (c *realtimeClient) enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionGone
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrConnectionGone
	default:
		return ErrSlowConsumer
	}
}

// shutdown queues frame followed by a nil marker; the writer closes the socket when it
// reaches the marker. A full queue closes immediately.
func (c *realtimeClient) shutdown(frame []byte) {
	if frame != nil {
		if err := c.enqueue(frame); err != nil {
			c.close()
			return
		}
	}
	if err := c.enqueue(nil); err != nil {
		c.close()
	}
}

func (c *realtimeClient) writer() {
	defer c.close()

	ticker := time.NewTicker(c.service.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if frame == nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *realtimeClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func actionLabel(action dto.Action) string {
	for _, known := range dto.Actions() {
		if known == action {
			return string(action)
		}
	}
	return "unknown"
}
