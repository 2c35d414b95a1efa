package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// EmailConfig configures the Brevo transactional email API.
type EmailConfig struct {
	APIKey      string
	BaseURL     string
	SenderEmail string
	SenderName  string
	HTTPClient  *http.Client
}

// EmailProvider sends notifications through Brevo.
type EmailProvider struct {
	cfg    EmailConfig
	client *http.Client
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoEmailRequest struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
	TextContent string         `json:"textContent,omitempty"`
}

// NewEmailProvider returns ErrNotConfigured when the api key or sender is missing.
func NewEmailProvider(cfg EmailConfig) (*EmailProvider, error) {
	if cfg.APIKey == "" || cfg.SenderEmail == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.brevo.com/v3"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &EmailProvider{cfg: cfg, client: newHTTPClient(cfg.HTTPClient)}, nil
}

func (p *EmailProvider) Channel() Channel { return ChannelEmail }

func (p *EmailProvider) Send(ctx context.Context, msg Message) error {
	payload := brevoEmailRequest{
		Sender:      brevoAddress{Email: p.cfg.SenderEmail, Name: p.cfg.SenderName},
		To:          []brevoAddress{{Email: msg.To}},
		Subject:     msg.Title,
		HTMLContent: fmt.Sprintf("<p>%s</p>", html.EscapeString(msg.Body)),
		TextContent: msg.Body,
	}
	if payload.HTMLContent == "<p></p>" {
		payload.HTMLContent = fmt.Sprintf("<p>%s</p>", html.EscapeString(msg.Title))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: ChannelEmail, Permanent: true, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: ChannelEmail, Permanent: true, Detail: err.Error()}
	}
	req.Header.Set("api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return do(p.client, ChannelEmail, req)
}
