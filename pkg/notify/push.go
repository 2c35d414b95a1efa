package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// PushConfig points at an HTTP push gateway.
type PushConfig struct {
	Endpoint   string
	ServerKey  string
	HTTPClient *http.Client
}

// PushProvider posts notifications to a push gateway keyed by device token.
type PushProvider struct {
	cfg    PushConfig
	client *http.Client
}

type pushRequest struct {
	To           string                 `json:"to"`
	Notification pushNotification       `json:"notification"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewPushProvider returns ErrNotConfigured without an endpoint and key.
func NewPushProvider(cfg PushConfig) (*PushProvider, error) {
	if cfg.Endpoint == "" || cfg.ServerKey == "" {
		return nil, ErrNotConfigured
	}
	return &PushProvider{cfg: cfg, client: newHTTPClient(cfg.HTTPClient)}, nil
}

func (p *PushProvider) Channel() Channel { return ChannelPush }

func (p *PushProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(pushRequest{
		To:           msg.To,
		Notification: pushNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	if err != nil {
		return &DeliveryError{Channel: ChannelPush, Permanent: true, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: ChannelPush, Permanent: true, Detail: err.Error()}
	}
	req.Header.Set("Authorization", "key="+p.cfg.ServerKey)
	req.Header.Set("Content-Type", "application/json")

	return do(p.client, ChannelPush, req)
}
