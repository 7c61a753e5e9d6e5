package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/NikhilSetiya/autoheal/pkg/alerting"
)

// TeamsChannel posts alerts to a Microsoft Teams incoming webhook
type TeamsChannel struct {
	webhookURL   string
	dashboardURL string
	logger       *zap.Logger
	httpClient   *http.Client
}

// TeamsMessage represents a Microsoft Teams message payload
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title,omitempty"`
	Text       string         `json:"text,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
	Actions    []TeamsAction  `json:"potentialAction,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Text             string      `json:"text,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// TeamsAction represents an action button in a Teams message
type TeamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []TeamsTarget `json:"targets,omitempty"`
}

// TeamsTarget represents a target for a Teams action
type TeamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

// NewTeamsChannel creates a new Microsoft Teams notification channel.
// dashboardURL is optional and adds a link button to every card.
func NewTeamsChannel(webhookURL, dashboardURL string, logger *zap.Logger) *TeamsChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TeamsChannel{
		webhookURL:   webhookURL,
		dashboardURL: dashboardURL,
		logger:       logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient replaces the client used to post to the webhook
func (c *TeamsChannel) WithHTTPClient(client *http.Client) *TeamsChannel {
	c.httpClient = client
	return c
}

// Name returns the channel name
func (c *TeamsChannel) Name() string {
	return "teams"
}

// Send sends an alert to Microsoft Teams
func (c *TeamsChannel) Send(ctx context.Context, alert *alerting.Alert) error {
	if c.webhookURL == "" {
		return fmt.Errorf("teams webhook URL not configured")
	}

	payload, err := json.Marshal(c.buildTeamsMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal teams message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send teams message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("teams API returned status %d", resp.StatusCode)
	}

	c.logger.Info("Successfully sent Teams notification",
		zap.String("alert_id", alert.ID),
		zap.String("component", alert.Component),
		zap.Bool("resolved", alert.Resolved),
		zap.String("webhook_url", maskWebhookURL(c.webhookURL)))

	return nil
}

// buildTeamsMessage converts an alert to a MessageCard
func (c *TeamsChannel) buildTeamsMessage(alert *alerting.Alert) TeamsMessage {
	status := "FIRING"
	if alert.Resolved {
		status = "RESOLVED"
	}
	title := fmt.Sprintf("[%s] %s", status, alert.Title)

	message := TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    title,
		Title:      title,
		Text:       alert.Description,
		ThemeColor: themeColor(alert),
	}

	section := TeamsSection{
		ActivityTitle:    "autoheal",
		ActivitySubtitle: alert.Timestamp.UTC().Format(time.RFC3339),
		Markdown:         true,
		Facts: []TeamsFact{
			{Name: "Severity", Value: string(alert.Severity)},
			{Name: "Component", Value: alert.Component},
		},
	}

	keys := make([]string, 0, len(alert.Labels))
	for key := range alert.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		section.Facts = append(section.Facts, TeamsFact{Name: key, Value: alert.Labels[key]})
	}

	if alert.ResolvedAt != nil {
		section.Facts = append(section.Facts, TeamsFact{
			Name:  "Duration",
			Value: alert.ResolvedAt.Sub(alert.Timestamp).Round(time.Second).String(),
		})
	}

	message.Sections = []TeamsSection{section}

	if c.dashboardURL != "" {
		message.Actions = []TeamsAction{{
			Type:    "OpenUri",
			Name:    "View in Dashboard",
			Targets: []TeamsTarget{{OS: "default", URI: c.dashboardURL}},
		}}
	}

	return message
}

func themeColor(alert *alerting.Alert) string {
	if alert.Resolved {
		return "00FF00" // Green
	}
	switch alert.Severity {
	case alerting.SeverityCritical, alerting.SeverityFatal:
		return "FF0000" // Red
	case alerting.SeverityWarning:
		return "FFA500" // Orange
	default:
		return "0078D4" // Microsoft Blue
	}
}

// maskWebhookURL keeps webhook secrets out of logs
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
