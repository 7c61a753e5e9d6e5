package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// SlackChannel posts alerts to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	client     *http.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(webhookURL, channel, username, iconEmoji string) *SlackChannel {
	if username == "" {
		username = "autoheal"
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		iconEmoji:  iconEmoji,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithHTTPClient replaces the client used to post to the webhook
func (sc *SlackChannel) WithHTTPClient(client *http.Client) *SlackChannel {
	sc.client = client
	return sc
}

// Name returns the channel name
func (sc *SlackChannel) Name() string {
	return "slack"
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Timestamp int64        `json:"ts"`
	Fields    []slackField `json:"fields"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

// Send sends an alert to Slack
func (sc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	color := colorForSeverity(alert.Severity)
	status := "FIRING"
	if alert.Resolved {
		status = "RESOLVED"
		color = "good"
	}

	attachment := slackAttachment{
		Color:     color,
		Title:     fmt.Sprintf("[%s] %s", status, alert.Title),
		Text:      alert.Description,
		Timestamp: alert.Timestamp.Unix(),
		Fields: []slackField{
			{Title: "Severity", Value: string(alert.Severity), Short: true},
			{Title: "Component", Value: alert.Component, Short: true},
		},
	}

	// Labels as fields, in a stable order
	keys := make([]string, 0, len(alert.Labels))
	for key := range alert.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attachment.Fields = append(attachment.Fields, slackField{Title: key, Value: alert.Labels[key], Short: true})
	}

	payload := slackPayload{
		Channel:     sc.channel,
		Username:    sc.username,
		IconEmoji:   sc.iconEmoji,
		Attachments: []slackAttachment{attachment},
	}

	return postJSON(ctx, sc.client, sc.webhookURL, payload, nil, "Slack", func(code int) bool {
		return code == http.StatusOK
	})
}

// colorForSeverity returns the attachment color for alert severity
func colorForSeverity(severity Severity) string {
	switch severity {
	case SeverityInfo:
		return "#36a64f" // green
	case SeverityWarning:
		return "#ff9500" // orange
	case SeverityCritical:
		return "#ff0000" // red
	case SeverityFatal:
		return "#8b0000" // dark red
	default:
		return "#808080" // gray
	}
}

// WebhookChannel posts the alert as JSON to an arbitrary endpoint
type WebhookChannel struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (wc *WebhookChannel) WithHTTPClient(client *http.Client) *WebhookChannel {
	wc.client = client
	return wc
}

// Name returns the channel name
func (wc *WebhookChannel) Name() string {
	return "webhook"
}

// Send sends an alert via webhook
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, wc.client, wc.url, alert, wc.headers, "webhook", func(code int) bool {
		return code >= 200 && code < 300
	})
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, headers map[string]string, target string, ok func(int) bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", target, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", target, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s notification: %w", target, err)
	}
	defer resp.Body.Close()

	if !ok(resp.StatusCode) {
		return fmt.Errorf("%s returned status %d", target, resp.StatusCode)
	}

	return nil
}
