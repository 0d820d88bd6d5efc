package sirr

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/secretdrop/sirr/sirr/state"
	"github.com/secretdrop/sirr/sirr/structs"
)

// webhookTimeout bounds connect plus read for one delivery. There are no
// retries.
const webhookTimeout = 5 * time.Second

// blockedRanges are the private, loopback, and link-local networks that must
// never be webhook targets. 169.254.0.0/16 covers the cloud metadata
// endpoints.
var blockedRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

func isPrivateIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range blockedRanges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateWebhookURL checks a webhook target against SSRF risks. It is
// applied at registration and again at delivery. Rules, in order: the URL
// must parse with a host, the scheme must be https, a literal IP host must
// not be private/loopback/link-local, and the URL must start with one of the
// allowed origins. An empty allowlist rejects everything; operators opt in
// via SIRR_WEBHOOK_ALLOWED_ORIGINS. No DNS resolution is performed here; the
// allowlist is the primary defense against hostname-based attacks.
func ValidateWebhookURL(rawURL string, allowedOrigins []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("webhook_url is not a valid URL")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook_url is missing a host")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook_url must use https://")
	}

	// Hostname() strips IPv6 brackets.
	if ip, err := netip.ParseAddr(u.Hostname()); err == nil && isPrivateIP(ip) {
		return fmt.Errorf("webhook_url must not target private, loopback, or link-local addresses")
	}

	if len(allowedOrigins) == 0 {
		return fmt.Errorf("webhook_url requires SIRR_WEBHOOK_ALLOWED_ORIGINS to be configured")
	}
	for _, origin := range allowedOrigins {
		if strings.HasPrefix(rawURL, origin) {
			return nil
		}
	}
	return fmt.Errorf("webhook_url does not match any allowed origin in SIRR_WEBHOOK_ALLOWED_ORIGINS")
}

// WebhookSender fans data-plane events out to registered webhooks and
// per-secret URLs. The handle is cloneable by simple copy; copies share the
// store reference and HTTP client. Deliveries run in their own goroutine so
// a slow receiver never stalls the caller.
type WebhookSender struct {
	store  *state.StateStore
	client *http.Client
	logger hclog.Logger

	instanceID string

	// signingSecret signs per-secret URL deliveries (SIRR_WEBHOOK_SECRET).
	// Global registrations sign with their own stored secret.
	signingSecret string

	allowedOrigins []string
}

// NewWebhookSender builds a sender around the shared store.
func NewWebhookSender(store *state.StateStore, logger hclog.Logger, signingSecret string, allowedOrigins []string) *WebhookSender {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = webhookTimeout

	return &WebhookSender{
		store:          store,
		client:         client,
		logger:         logger.Named("webhooks"),
		instanceID:     store.InstanceID(),
		signingSecret:  signingSecret,
		allowedOrigins: allowedOrigins,
	}
}

// AllowedOrigins exposes the configured allowlist for registration-time
// validation.
func (w *WebhookSender) AllowedOrigins() []string {
	return w.allowedOrigins
}

// Fire delivers the event to every matching global registration. Failures
// are logged and dropped; Fire never blocks on the network.
func (w *WebhookSender) Fire(eventType, key, detail string) {
	regs, err := w.store.ListWebhooks()
	if err != nil {
		w.logger.Warn("failed to list webhooks for delivery", "error", err)
		return
	}

	event := &structs.WebhookEvent{
		Event:      eventType,
		Key:        key,
		Timestamp:  time.Now().Unix(),
		InstanceID: w.instanceID,
		Detail:     detail,
	}

	for _, reg := range regs {
		if !reg.SubscribedTo(eventType) {
			continue
		}
		// Re-validate at delivery time in case the allowlist changed
		// after the registration was stored.
		if err := ValidateWebhookURL(reg.URL, w.allowedOrigins); err != nil {
			w.logger.Warn("dropping webhook: SSRF guard rejected URL",
				"id", reg.ID, "url", reg.URL, "reason", err)
			continue
		}
		go w.deliver(reg.URL, event, reg.Secret)
	}
}

// FireForURL delivers the event to a single per-secret URL, signed with the
// instance signing secret. Skipped when SIRR_WEBHOOK_SECRET is unset.
func (w *WebhookSender) FireForURL(targetURL, eventType, key, detail string) {
	if w.signingSecret == "" {
		w.logger.Debug("per-secret webhook URL set but no SIRR_WEBHOOK_SECRET configured; skipping")
		return
	}
	if err := ValidateWebhookURL(targetURL, w.allowedOrigins); err != nil {
		w.logger.Warn("dropping per-secret webhook: SSRF guard rejected URL",
			"url", targetURL, "reason", err)
		return
	}

	event := &structs.WebhookEvent{
		Event:      eventType,
		Key:        key,
		Timestamp:  time.Now().Unix(),
		InstanceID: w.instanceID,
		Detail:     detail,
	}
	go w.deliver(targetURL, event, w.signingSecret)
}

// deliver POSTs the signed event payload. Failures log at warn and are
// dropped.
func (w *WebhookSender) deliver(targetURL string, event *structs.WebhookEvent, hmacSecret string) {
	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn("failed to serialize webhook event", "url", targetURL, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("failed to build webhook request", "url", targetURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sirr-Signature", "sha256="+ComputeSignature(hmacSecret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "url", targetURL, "error", err)
		return
	}
	resp.Body.Close()
	w.logger.Debug("webhook delivered", "url", targetURL, "status", resp.StatusCode)
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSigningSecret mints a registration signing key: "whsec_" plus 32
// hex characters.
func GenerateSigningSecret() (string, error) {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(raw), nil
}

// GenerateWebhookID mints a registration ID of 16 hex characters.
func GenerateWebhookID() (string, error) {
	raw, err := uuid.GenerateRandomBytes(8)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
