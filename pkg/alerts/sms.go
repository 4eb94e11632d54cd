package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SMSNotifier sends text messages through an HTTP SMS gateway that accepts
// {"to": ..., "from": ..., "body": ...} with bearer authentication.
type SMSNotifier struct {
	gatewayURL string
	token      string
	from       string
	client     *http.Client
}

// NewSMSNotifier creates an SMS gateway notifier.
func NewSMSNotifier(gatewayURL, token, from string) *SMSNotifier {
	return &SMSNotifier{gatewayURL: gatewayURL, token: token, from: from, client: newHTTPClient()}
}

func (s *SMSNotifier) Name() string { return "sms" }

func (s *SMSNotifier) SendTo(ctx context.Context, recipient string, msg Message) error {
	body, err := json.Marshal(smsRequest{To: recipient, From: s.from, Body: msg.Plain()})
	if err != nil {
		return fmt.Errorf("marshal sms request: %w", err)
	}
	var headers map[string]string
	if s.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + s.token}
	}
	return postJSON(ctx, s.client, "sms", s.gatewayURL, body, headers)
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}
