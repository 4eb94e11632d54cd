package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// Sign computes the signature sent in SignatureHeader.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(body []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// Envelope is the body sent to custom endpoints.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Attempt   int             `json:"attempt"`
	Data      json.RawMessage `json:"data"`
}

type slackPayload struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type discordPayload struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type teamsPayload struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	Summary    string `json:"summary"`
	ThemeColor string `json:"themeColor"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// Body renders the request body for a delivery in the endpoint's service format.
func Body(e *model.Endpoint, d *model.Delivery, attempt int, now time.Time) ([]byte, error) {
	data := d.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	ts := now.UTC().Format(time.RFC3339)
	title := fmt.Sprintf("Event: %s", d.EventType)
	pretty := prettyJSON(data)

	var v any
	switch e.ServiceType {
	case model.ServiceSlack:
		v = slackPayload{
			Channel: e.Channel,
			Text:    title,
			Blocks: []slackBlock{
				{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
				{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "```" + pretty + "```"}},
			},
		}
	case model.ServiceDiscord:
		v = discordPayload{
			Content: title,
			Embeds: []discordEmbed{{
				Title:       d.EventType,
				Description: "```json\n" + pretty + "\n```",
				Color:       0x3498db,
				Timestamp:   ts,
			}},
		}
	case model.ServiceTeams:
		v = teamsPayload{
			Type:       "MessageCard",
			Context:    "https://schema.org/extensions",
			Summary:    title,
			ThemeColor: "0078D7",
			Title:      title,
			Text:       "<pre>" + pretty + "</pre>",
		}
	default:
		v = Envelope{ID: d.ID, EventType: d.EventType, Timestamp: ts, Attempt: attempt, Data: data}
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.ServiceType, err)
	}
	return body, nil
}

func prettyJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}
