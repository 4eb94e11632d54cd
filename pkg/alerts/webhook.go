package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
)

// WebhookNotifier sends messages to a generic HTTP webhook.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier.
// If secret is non-empty, requests are signed the same way endpoint deliveries are.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: newHTTPClient(),
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	payload := webhookPayload{
		Event:     msg.Source + "_notification",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   msg,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var headers map[string]string
	if w.secret != "" {
		headers = map[string]string{delivery.SignatureHeader: delivery.Sign(body, w.secret)}
	}
	return postJSON(ctx, w.client, "webhook", w.url, body, headers)
}

type webhookPayload struct {
	Event     string  `json:"event"`
	Timestamp string  `json:"timestamp"`
	Message   Message `json:"message"`
}
