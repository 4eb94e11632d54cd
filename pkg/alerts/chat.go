package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TeamsNotifier posts MessageCards to a Microsoft Teams incoming webhook.
type TeamsNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewTeamsNotifier creates a Teams webhook notifier.
func NewTeamsNotifier(webhookURL string) *TeamsNotifier {
	return &TeamsNotifier{webhookURL: webhookURL, client: newHTTPClient()}
}

func (t *TeamsNotifier) Name() string { return "teams" }

func (t *TeamsNotifier) Send(ctx context.Context, msg Message) error {
	facts := make([]teamsFact, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		facts = append(facts, teamsFact{Name: f.Name, Value: f.Value})
	}
	payload := teamsCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    msg.Title,
		ThemeColor: teamsColor(msg.Severity),
		Title:      msg.Title,
		Text:       msg.Text,
		Sections:   []teamsSection{{Facts: facts}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal teams payload: %w", err)
	}
	return postJSON(ctx, t.client, "teams", t.webhookURL, body, nil)
}

func teamsColor(sev Severity) string {
	switch sev {
	case SeverityWarning:
		return "FF9900"
	case SeverityCritical:
		return "FF0000"
	default:
		return "0078D7"
	}
}

type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor"`
	Title      string         `json:"title"`
	Text       string         `json:"text,omitempty"`
	Sections   []teamsSection `json:"sections,omitempty"`
}

type teamsSection struct {
	Facts []teamsFact `json:"facts"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DiscordNotifier posts embeds to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a Discord webhook notifier.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{webhookURL: webhookURL, client: newHTTPClient()}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(ctx context.Context, msg Message) error {
	fields := make([]discordField, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, discordField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := discordPayload{
		Content: msg.Title,
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Text,
			Color:       discordColor(msg.Severity),
			Fields:      fields,
			Timestamp:   ts.UTC().Format(time.RFC3339),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, body, nil)
}

func discordColor(sev Severity) int {
	switch sev {
	case SeverityWarning:
		return 0xff9900
	case SeverityCritical:
		return 0xff0000
	default:
		return 0x36a64f
	}
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}
