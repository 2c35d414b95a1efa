// Package notify contains outbound delivery providers for email, SMS and push.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Channel identifies a delivery provider kind.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Message is a rendered notification addressed to one recipient.
type Message struct {
	To       string
	Title    string
	Body     string
	Data     map[string]interface{}
	TenantID string
	UserID   string
}

// Provider delivers a message on one channel.
type Provider interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) error
}

// ErrNotConfigured is returned by providers constructed without credentials.
var ErrNotConfigured = errors.New("provider not configured")

// DeliveryError describes a failed provider call. Permanent failures must not be retried.
type DeliveryError struct {
	Channel   Channel
	Status    int
	Permanent bool
	Detail    string
}

func (e *DeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s delivery failed: status %d: %s", e.Channel, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s delivery failed: %s", e.Channel, e.Detail)
}

// IsPermanent reports whether err is a DeliveryError that retrying cannot fix.
func IsPermanent(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr) && deliveryErr.Permanent
}

const defaultTimeout = 10 * time.Second

func newHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: defaultTimeout}
}

// do executes req and classifies the response. 408, 429 and 5xx are transient; other 4xx are permanent.
func do(client *http.Client, channel Channel, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: channel, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout &&
		resp.StatusCode != http.StatusTooManyRequests

	return &DeliveryError{
		Channel:   channel,
		Status:    resp.StatusCode,
		Permanent: permanent,
		Detail:    strings.TrimSpace(string(body)),
	}
}
