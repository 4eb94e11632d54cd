package alerts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Severity controls how a message is highlighted on chat channels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"  // Threshold approached
	SeverityCritical Severity = "critical" // Needs attention now
)

// Field is a labelled value shown alongside a message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Message is a channel-neutral notification.
type Message struct {
	Source    string    `json:"source"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Fields    []Field   `json:"fields,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Plain renders the message as a single line of text for SMS and email subjects.
func (m Message) Plain() string {
	s := fmt.Sprintf("[%s] %s", strings.ToUpper(string(m.Severity)), m.Title)
	if m.Text != "" {
		s += ": " + m.Text
	}
	return s
}

// Notifier sends messages to a fixed chat destination.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers a message. Implementations must be safe for concurrent use.
	Send(ctx context.Context, msg Message) error
}

// RecipientNotifier sends messages to an individual recipient, such as an
// email address or phone number. Sends are billable.
type RecipientNotifier interface {
	Name() string
	SendTo(ctx context.Context, recipient string, msg Message) error
}

// AlertMessage builds the message for a triggered alert rule.
func AlertMessage(rule *model.AlertRule, ev *model.AlertEvent) Message {
	sev := SeverityWarning
	if rule.Critical {
		sev = SeverityCritical
	}
	scope := "all endpoints"
	if rule.EndpointID != "" {
		scope = "endpoint " + rule.EndpointID
	}
	return Message{
		Source:   "alert",
		Severity: sev,
		Title:    fmt.Sprintf("Alert: %s", rule.Name),
		Text:     ev.ConditionMet,
		Fields: []Field{
			{Name: "Condition", Value: string(rule.Condition), Short: true},
			{Name: "Scope", Value: scope, Short: true},
			{Name: "Actual", Value: fmt.Sprintf("%.2f", ev.ActualValue), Short: true},
			{Name: "Threshold", Value: fmt.Sprintf("%.2f", ev.ThresholdValue), Short: true},
			{Name: "Window", Value: fmt.Sprintf("%dm", rule.WindowMinutes), Short: true},
		},
		Timestamp: ev.TriggeredAt,
	}
}

// BudgetMessage builds the message for a budget threshold alert.
func BudgetMessage(a *model.BudgetAlert) Message {
	sev := SeverityWarning
	if a.Level != model.LevelWarning {
		sev = SeverityCritical
	}
	return Message{
		Source:   "budget",
		Severity: sev,
		Title:    fmt.Sprintf("Notification budget %s", a.Level),
		Text:     fmt.Sprintf("%s spend $%.2f of $%.2f (%.1f%%)", a.Period, a.Spend, a.LimitUSD, a.Pct()),
		Fields: []Field{
			{Name: "Budget", Value: string(a.Period), Short: true},
			{Name: "Current Spend", Value: fmt.Sprintf("$%.2f", a.Spend), Short: true},
			{Name: "Limit", Value: fmt.Sprintf("$%.2f", a.LimitUSD), Short: true},
			{Name: "Usage", Value: fmt.Sprintf("%.1f%%", a.Pct()), Short: true},
		},
		Timestamp: a.CreatedAt,
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// postJSON sends body and requires a 2xx response.
func postJSON(ctx context.Context, client *http.Client, name, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Delivery-Guardian/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s notification: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}
