package service

import (
	"strings"

	"github.com/noah-isme/gema-realtime/internal/models"
)

// maskRecipient hides most of an address before it reaches the logs.
func maskRecipient(channel models.DeliveryChannel, address string) string {
	switch channel {
	case models.DeliveryEmail:
		return maskEmailAddress(address)
	case models.DeliverySMS, models.DeliveryPush:
		return maskTail(address, 4)
	default:
		return "***"
	}
}

func maskEmailAddress(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return "***"
	}
	local := parts[0]
	domain := parts[1]
	if len(local) <= 2 {
		local = local[:1] + "***"
	} else {
		local = local[:1] + "***" + local[len(local)-1:]
	}
	return local + "@" + domain
}

func maskTail(value string, visible int) string {
	value = strings.TrimSpace(value)
	if len(value) <= visible {
		return "***"
	}
	return "***" + value[len(value)-visible:]
}
