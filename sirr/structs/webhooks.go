package structs

// MaxWebhooks is the global cap on webhook registrations per instance.
const MaxWebhooks = 10

// WebhookEventWildcard subscribes a registration to every event type.
const WebhookEventWildcard = "*"

// WebhookRegistration is a stored subscription for outbound event delivery.
type WebhookRegistration struct {
	// ID is 16 hex characters.
	ID string `json:"id"`

	// URL must be https and pass SSRF validation.
	URL string `json:"url"`

	// Secret is the HMAC signing key, "whsec_" + 32 hex characters. Only
	// disclosed in the registration response.
	Secret string `json:"secret,omitempty"`

	// Events lists subscribed action names, or the "*" wildcard.
	Events []string `json:"events"`

	CreatedAt int64 `json:"created_at"`
}

// SubscribedTo reports whether the registration matches the event type,
// either exactly or via the wildcard.
func (w *WebhookRegistration) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == WebhookEventWildcard || e == eventType {
			return true
		}
	}
	return false
}

// WebhookEvent is the JSON payload POSTed to subscriber URLs.
type WebhookEvent struct {
	Event      string `json:"event"`
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`
	InstanceID string `json:"instance_id"`
	Detail     string `json:"detail,omitempty"`
}
