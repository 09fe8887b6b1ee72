package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/rs/zerolog"
)

// APIURLEnv names the environment variable holding the Apprise API base URL.
const APIURLEnv = "APPRISE_API_URL"

// Notifier handles sending alerts via Apprise
type Notifier struct {
	logger   zerolog.Logger
	client   *http.Client
	apiURL   string
	channels map[string]config.ChannelConfig
}

// NewNotifier creates a new Apprise notifier for the configured channels
func NewNotifier(channels map[string]config.ChannelConfig, logger zerolog.Logger) *Notifier {
	return &Notifier{
		logger:   logger.With().Str("component", "notifier").Logger(),
		client:   &http.Client{Timeout: 10 * time.Second},
		apiURL:   strings.TrimRight(os.Getenv(APIURLEnv), "/"),
		channels: channels,
	}
}

// Channel represents a notification channel
type Channel struct {
	Name string
	URL  string
}

// resolve looks up the service URL of each named channel. Channels whose
// environment variable is unset are skipped.
func (n *Notifier) resolve(names []string) []Channel {
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		env := fmt.Sprintf("APPRISE_%s_URL", strings.ToUpper(name))
		if ch, ok := n.channels[name]; ok && ch.URLEnv != "" {
			env = ch.URLEnv
		}
		url := os.Getenv(env)
		if url == "" {
			n.logger.Warn().
				Str("channel", name).
				Str("env", env).
				Msg("Channel URL not found, skipping")
			continue
		}
		channels = append(channels, Channel{Name: name, URL: url})
	}
	return channels
}

// SendAlert sends an alert to the specified channels. Delivery failures are
// logged per channel; the error only reports that nothing could be sent.
func (n *Notifier) SendAlert(alert *types.Alert, channelNames []string) error {
	channels := n.resolve(channelNames)
	if len(channels) == 0 {
		return nil
	}

	title, body := n.formatMessage(alert)

	var failed int
	for _, channel := range channels {
		if err := n.sendToApprise(context.Background(), channel.URL, title, body); err != nil {
			failed++
			n.logger.Error().
				Err(err).
				Str("channel", channel.Name).
				Msg("Failed to send notification")
			continue
		}
		n.logger.Info().
			Str("channel", channel.Name).
			Str("alert_id", alert.ID).
			Msg("Notification sent")
	}

	if failed == len(channels) {
		return fmt.Errorf("notification failed on all %d channels", failed)
	}
	return nil
}

// formatMessage formats an alert into a notification title and body
func (n *Notifier) formatMessage(alert *types.Alert) (string, string) {
	var emoji string
	switch alert.Severity {
	case "critical":
		emoji = "🔴"
	case "warning":
		emoji = "⚠️"
	default:
		emoji = "ℹ️"
	}
	if alert.State == types.StateResolved {
		emoji = "🟢"
	}

	title := fmt.Sprintf("%s ampctl: %s %s", emoji, alert.Name, alert.AlertType)
	body := fmt.Sprintf("%s\n\nAmplifier: %s (%d)\nField: %s\nSeverity: %s\nState: %s",
		alert.Message, alert.Name, alert.Amplifier, alert.Field, alert.Severity, alert.State)
	if v, ok := alert.RelatedState["value"]; ok {
		body += fmt.Sprintf("\nValue: %s", v)
	}
	if alert.ResolvedAt != nil {
		body += fmt.Sprintf("\nResolved at: %s", alert.ResolvedAt.Format(time.RFC3339))
	}
	return title, body
}

// sendToApprise posts a message to the Apprise API. Without an API endpoint
// the notification is only logged.
func (n *Notifier) sendToApprise(ctx context.Context, url, title, body string) error {
	if n.apiURL == "" {
		n.logger.Info().
			Str("url", url).
			Str("title", title).
			Msg("Would send notification (Apprise not configured)")
		return nil
	}

	payload := map[string]string{
		"urls":   url,
		"title":  title,
		"body":   body,
		"format": "text",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL+"/notify/", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("apprise API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
