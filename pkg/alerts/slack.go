package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SlackNotifier sends messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackNotifier creates a Slack webhook notifier.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		client:     newHTTPClient(),
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Send(ctx context.Context, msg Message) error {
	fields := make([]slackField, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, slackField{Title: f.Name, Value: f.Value, Short: f.Short})
	}

	payload := slackPayload{
		Channel: s.channel,
		Text:    msg.Title,
		Attachments: []slackAttachment{
			{
				Color:  slackColor(msg.Severity),
				Title:  msg.Title,
				Text:   msg.Text,
				Fields: fields,
				Footer: "Delivery Guardian",
				Ts:     msg.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, "slack", s.webhookURL, body, nil)
}

func slackColor(sev Severity) string {
	switch sev {
	case SeverityWarning:
		return "#ff9900" // orange
	case SeverityCritical:
		return "#ff0000" // red
	default:
		return "#36a64f" // green
	}
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}
