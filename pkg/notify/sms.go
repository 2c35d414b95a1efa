package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// SMSConfig configures the Twilio messages API.
type SMSConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	HTTPClient *http.Client
}

// SMSProvider sends notifications as text messages through Twilio.
type SMSProvider struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMSProvider returns ErrNotConfigured when credentials are missing.
func NewSMSProvider(cfg SMSConfig) (*SMSProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &SMSProvider{cfg: cfg, client: newHTTPClient(cfg.HTTPClient)}, nil
}

func (p *SMSProvider) Channel() Channel { return ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, msg Message) error {
	text := msg.Title
	if msg.Body != "" {
		text = msg.Title + "\n" + msg.Body
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", p.cfg.From)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.cfg.BaseURL, url.PathEscape(p.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &DeliveryError{Channel: ChannelSMS, Permanent: true, Detail: err.Error()}
	}
	req.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return do(p.client, ChannelSMS, req)
}
