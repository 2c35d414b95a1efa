package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-realtime/internal/dto"
	"github.com/noah-isme/gema-realtime/internal/models"
	"github.com/noah-isme/gema-realtime/internal/observability"
)

// ErrRelayUnavailable means a frame targets another node but no relay transport is configured.
var ErrRelayUnavailable = errors.New("no relay transport configured")

type frameSink interface {
	enqueue(frame []byte) error
	// shutdown flushes frame and then closes the socket.
	shutdown(frame []byte)
}

const relayKindClose = "close"

// ConnectionHub delivers frames to sockets attached to this node and relays the rest to their owners.
type ConnectionHub interface {
	ConnectionSender
	Start(ctx context.Context)
	LocalCount() int
	OnUnreachable(fn func(ctx context.Context, connectionID string))
	Close(ctx context.Context, conn models.Connection) error
	attach(connectionID string, sink frameSink) bool
	detach(connectionID string, sink frameSink)
}

type connectionHub struct {
	mu            sync.RWMutex
	clients       map[string]frameSink
	nodeID        string
	redis         *redis.Client
	redisBase     string
	nats          *nats.Conn
	natsBase      string
	logger        zerolog.Logger
	onUnreachable func(ctx context.Context, connectionID string)
}

type relayEnvelope struct {
	Kind         string          `json:"kind,omitempty"`
	Source       string          `json:"source"`
	ConnectionID string          `json:"connection_id"`
	Frame        json.RawMessage `json:"frame,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
}

// NewConnectionHub constructs a hub. NATS is preferred for relaying; Redis pub/sub is the fallback.
func NewConnectionHub(nodeID string, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, natsSubject string, logger zerolog.Logger) ConnectionHub {
	redisBase := ""
	if channelBase != "" {
		redisBase = channelBase + ":relay"
	}
	natsBase := ""
	if natsSubject != "" {
		natsBase = strings.ReplaceAll(natsSubject, ":", ".") + ".relay"
	}

	return &connectionHub{
		clients:   make(map[string]frameSink),
		nodeID:    nodeID,
		redis:     redisClient,
		redisBase: redisBase,
		nats:      natsConn,
		natsBase:  natsBase,
		logger:    logger.With().Str("component", "connection_hub").Logger(),
	}
}

func (h *connectionHub) OnUnreachable(fn func(ctx context.Context, connectionID string)) {
	h.onUnreachable = fn
}

func (h *connectionHub) LocalCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// attach refuses an id that already has a local socket.
func (h *connectionHub) attach(connectionID string, sink frameSink) bool {
	h.mu.Lock()
	if _, exists := h.clients[connectionID]; exists {
		h.mu.Unlock()
		return false
	}
	h.clients[connectionID] = sink
	h.mu.Unlock()
	observability.RealtimeConnectionsActive().Inc()
	return true
}

// detach removes the socket only if it is still the one attached under the id.
func (h *connectionHub) detach(connectionID string, sink frameSink) {
	h.mu.Lock()
	current, ok := h.clients[connectionID]
	if ok && current == sink {
		delete(h.clients, connectionID)
	}
	h.mu.Unlock()
	if ok && current == sink {
		observability.RealtimeConnectionsActive().Dec()
	}
}

func (h *connectionHub) Send(ctx context.Context, conn models.Connection, frame []byte) error {
	if conn.NodeID == "" || conn.NodeID == h.nodeID {
		return h.deliverLocal(conn.ID, frame)
	}
	return h.relay(ctx, conn, frame)
}

func (h *connectionHub) deliverLocal(connectionID string, frame []byte) error {
	h.mu.RLock()
	sink, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionGone
	}
	return sink.enqueue(frame)
}

// Close ends the socket behind conn on whichever node owns it. The client is told its
// connection expired before the socket closes.
func (h *connectionHub) Close(ctx context.Context, conn models.Connection) error {
	if conn.NodeID == "" || conn.NodeID == h.nodeID {
		h.closeLocal(conn.ID)
		return nil
	}
	return h.publish(ctx, conn.NodeID, relayEnvelope{
		Kind:         relayKindClose,
		Source:       h.nodeID,
		ConnectionID: conn.ID,
		SentAt:       time.Now().UTC(),
	})
}

func (h *connectionHub) closeLocal(connectionID string) {
	h.mu.RLock()
	sink, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	frame, err := json.Marshal(ErrorEvent(dto.InboundEnvelope{}, ErrConnectionExpired))
	if err != nil {
		frame = nil
	}
	sink.shutdown(frame)
	h.logger.Debug().Str("connection_id", connectionID).Msg("closing deregistered socket")
}

func (h *connectionHub) relay(ctx context.Context, conn models.Connection, frame []byte) error {
	return h.publish(ctx, conn.NodeID, relayEnvelope{
		Source:       h.nodeID,
		ConnectionID: conn.ID,
		Frame:        frame,
		SentAt:       time.Now().UTC(),
	})
}

func (h *connectionHub) publish(ctx context.Context, nodeID string, envelope relayEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if h.nats != nil && h.natsBase != "" {
		return h.nats.Publish(h.natsBase+"."+nodeID, payload)
	}

	if h.redis != nil && h.redisBase != "" {
		receivers, err := h.redis.Publish(ctx, h.redisBase+":"+nodeID, payload).Result()
		if err != nil {
			return err
		}
		if receivers == 0 {
			// Nobody listens for the owning node any more.
			return ErrConnectionGone
		}
		return nil
	}

	return ErrRelayUnavailable
}

func (h *connectionHub) Start(ctx context.Context) {
	switch {
	case h.nats != nil && h.natsBase != "":
		h.consumeNATS(ctx)
	case h.redis != nil && h.redisBase != "":
		go h.consumeRedis(ctx)
	}
}

func (h *connectionHub) consumeRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, h.redisBase+":"+h.nodeID)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			h.logger.Error().Err(err).Msg("relay redis subscription closed")
			return
		}
		h.handleRelay(ctx, []byte(msg.Payload))
	}
}

func (h *connectionHub) consumeNATS(ctx context.Context) {
	sub, err := h.nats.Subscribe(h.natsBase+"."+h.nodeID, func(msg *nats.Msg) {
		h.handleRelay(ctx, msg.Data)
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to nats relay subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to drain relay nats subscription")
		}
	}()
}

func (h *connectionHub) handleRelay(ctx context.Context, data []byte) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.logger.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if envelope.Source == h.nodeID {
		return
	}
	if envelope.Kind == relayKindClose {
		h.closeLocal(envelope.ConnectionID)
		return
	}

	err := h.deliverLocal(envelope.ConnectionID, envelope.Frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionGone):
		h.logger.Debug().Str("connection_id", envelope.ConnectionID).Msg("relayed frame for unknown connection")
		if h.onUnreachable != nil {
			h.onUnreachable(ctx, envelope.ConnectionID)
		}
	default:
		h.logger.Warn().Err(err).Str("connection_id", envelope.ConnectionID).Msg("failed to deliver relayed frame")
	}
}
