package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-realtime/internal/config"
	"github.com/noah-isme/gema-realtime/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Node        string    `json:"node"`
	Connections int       `json:"localConnections"`
}

// ConnectionCounter reports how many sockets this node holds.
type ConnectionCounter interface {
	LocalCount() int
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, nodeID string, counter ConnectionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Node:        nodeID,
		}
		if counter != nil {
			payload.Connections = counter.LocalCount()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
