package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type WebhookType string

const (
	WebhookDiscord WebhookType = "discord"
	WebhookSlack   WebhookType = "slack"
	WebhookGeneric WebhookType = "generic"
)

// Failure reason keys carried on Summary.Reason.
const (
	ReasonNoComponents = "no_components"
	ReasonConfigError  = "config_error"
	ReasonBackendError = "backend_error"
	ReasonCanceled     = "canceled"
)

// Summary describes one finished (or aborted) explanation run.
type Summary struct {
	Source    string
	Backend   string
	Model     string
	Explained int
	Failed    int
	Total     int
	Duration  time.Duration
	Reason    string
}

// Options configures webhook delivery.
type Options struct {
	WebhookURL string
	Timeout    time.Duration
}

func DetectWebhookType(url string) WebhookType {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "discord.com/api/webhooks") || strings.Contains(lower, "discordapp.com/api/webhooks") {
		return WebhookDiscord
	}
	if strings.Contains(lower, "hooks.slack.com") {
		return WebhookSlack
	}
	return WebhookGeneric
}

// NotifyComplete reports a run that produced explanations.
func NotifyComplete(ctx context.Context, opts Options, summary Summary) error {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildCompletePayload(opts, summary, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

// NotifyFailed reports a run that produced nothing.
func NotifyFailed(ctx context.Context, opts Options, summary Summary) error {
	if strings.TrimSpace(opts.WebhookURL) == "" {
		return errors.New("webhook URL is required")
	}
	payload, err := buildFailedPayload(opts, summary, time.Now())
	if err != nil {
		return err
	}
	return SendWebhook(ctx, opts.WebhookURL, payload, opts.Timeout)
}

func SendWebhook(ctx context.Context, url string, payload []byte, timeout time.Duration) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("webhook URL is required")
	}
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func buildCompletePayload(opts Options, summary Summary, now time.Time) ([]byte, error) {
	source := defaultString(summary.Source, "stdin")
	components := fmt.Sprintf("%d of %d explained", summary.Explained, summary.Total)
	duration := formatDuration(summary.Duration)
	timestamp := now.Format(time.RFC3339)

	payloadType := DetectWebhookType(opts.WebhookURL)
	switch payloadType {
	case WebhookDiscord:
		payload := map[string]interface{}{
			"embeds": []map[string]interface{}{
				{
					"title":       "✅ Explanation Complete",
					"description": fmt.Sprintf("Configuration **%s** has been explained.", source),
					"color":       5763719,
					"fields": []map[string]interface{}{
						{
							"name":   "Source",
							"value":  fmt.Sprintf("`%s`", source),
							"inline": false,
						},
						{
							"name":   "Components",
							"value":  components,
							"inline": true,
						},
						{
							"name":   "Duration",
							"value":  duration,
							"inline": true,
						},
						{
							"name":   "Backend",
							"value":  backendLabel(summary),
							"inline": true,
						},
					},
					"footer": map[string]interface{}{
						"text": "otelexplain",
					},
					"timestamp": timestamp,
				},
			},
		}
		return json.Marshal(payload)
	case WebhookSlack:
		payload := map[string]interface{}{
			"attachments": []map[string]interface{}{
				{
					"color": "#57F287",
					"blocks": []map[string]interface{}{
						{
							"type": "header",
							"text": map[string]interface{}{
								"type":  "plain_text",
								"text":  "✅ Explanation Complete",
								"emoji": true,
							},
						},
						{
							"type": "section",
							"text": map[string]interface{}{
								"type": "mrkdwn",
								"text": fmt.Sprintf("Configuration *%s* has been explained.", source),
							},
						},
						{
							"type": "section",
							"fields": []map[string]interface{}{
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Source:*\n`%s`", source),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Components:*\n%s", components),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Duration:*\n%s", duration),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Backend:*\n%s", backendLabel(summary)),
								},
							},
						},
						{
							"type": "context",
							"elements": []map[string]interface{}{
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("otelexplain • %s", timestamp),
								},
							},
						},
					},
				},
			},
		}
		return json.Marshal(payload)
	default:
		payload := map[string]interface{}{
			"event":     "complete",
			"status":    "success",
			"source":    source,
			"backend":   summary.Backend,
			"model":     summary.Model,
			"explained": summary.Explained,
			"failed":    summary.Failed,
			"total":     summary.Total,
			"duration":  duration,
			"timestamp": timestamp,
			"message":   fmt.Sprintf("Explained %s for '%s' (%s)", components, source, duration),
		}
		return json.Marshal(payload)
	}
}

func buildFailedPayload(opts Options, summary Summary, now time.Time) ([]byte, error) {
	source := defaultString(summary.Source, "stdin")
	reason := defaultString(summary.Reason, "unknown")
	duration := formatDuration(summary.Duration)
	timestamp := now.Format(time.RFC3339)

	slackDescription := failedDescription(reason, source, true)
	discordDescription := failedDescription(reason, source, false)
	message := failedMessage(reason, source, summary)

	payloadType := DetectWebhookType(opts.WebhookURL)
	switch payloadType {
	case WebhookDiscord:
		payload := map[string]interface{}{
			"embeds": []map[string]interface{}{
				{
					"title":       "❌ Explanation Failed",
					"description": discordDescription,
					"color":       15548997,
					"fields": []map[string]interface{}{
						{
							"name":   "Source",
							"value":  fmt.Sprintf("`%s`", source),
							"inline": false,
						},
						{
							"name":   "Reason",
							"value":  reason,
							"inline": true,
						},
						{
							"name":   "Components",
							"value":  fmt.Sprintf("%d of %d explained", summary.Explained, summary.Total),
							"inline": true,
						},
						{
							"name":   "Duration",
							"value":  duration,
							"inline": true,
						},
					},
					"footer": map[string]interface{}{
						"text": "otelexplain",
					},
					"timestamp": timestamp,
				},
			},
		}
		return json.Marshal(payload)
	case WebhookSlack:
		payload := map[string]interface{}{
			"attachments": []map[string]interface{}{
				{
					"color": "#ED4245",
					"blocks": []map[string]interface{}{
						{
							"type": "header",
							"text": map[string]interface{}{
								"type":  "plain_text",
								"text":  "❌ Explanation Failed",
								"emoji": true,
							},
						},
						{
							"type": "section",
							"text": map[string]interface{}{
								"type": "mrkdwn",
								"text": slackDescription,
							},
						},
						{
							"type": "section",
							"fields": []map[string]interface{}{
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Source:*\n`%s`", source),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Reason:*\n%s", reason),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Components:*\n%d of %d explained", summary.Explained, summary.Total),
								},
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("*Duration:*\n%s", duration),
								},
							},
						},
						{
							"type": "context",
							"elements": []map[string]interface{}{
								{
									"type": "mrkdwn",
									"text": fmt.Sprintf("otelexplain • %s", timestamp),
								},
							},
						},
					},
				},
			},
		}
		return json.Marshal(payload)
	default:
		payload := map[string]interface{}{
			"event":     "failed",
			"status":    "failure",
			"source":    source,
			"reason":    reason,
			"backend":   summary.Backend,
			"model":     summary.Model,
			"explained": summary.Explained,
			"failed":    summary.Failed,
			"total":     summary.Total,
			"duration":  duration,
			"timestamp": timestamp,
			"message":   message,
		}
		return json.Marshal(payload)
	}
}

func formatDuration(duration time.Duration) string {
	if duration <= 0 {
		return "unknown"
	}
	total := int(duration.Seconds())
	if total <= 0 {
		return "unknown"
	}
	hours := total / 3600
	mins := (total % 3600) / 60
	secs := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

func defaultString(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func backendLabel(summary Summary) string {
	backend := defaultString(summary.Backend, "unknown")
	if strings.TrimSpace(summary.Model) == "" {
		return backend
	}
	return fmt.Sprintf("%s (%s)", backend, summary.Model)
}

func failedDescription(reason, source string, slack bool) string {
	prefix := "**"
	suffix := "**"
	if slack {
		prefix = "*"
		suffix = "*"
	}
	label := fmt.Sprintf("%s%s%s", prefix, source, suffix)
	switch reason {
	case ReasonNoComponents:
		return fmt.Sprintf("No components were found in %s.", label)
	case ReasonConfigError:
		return fmt.Sprintf("Configuration %s could not be parsed.", label)
	case ReasonBackendError:
		return fmt.Sprintf("Explaining %s failed: the backend was unavailable.", label)
	case ReasonCanceled:
		return fmt.Sprintf("Explaining %s was interrupted.", label)
	default:
		return fmt.Sprintf("Explaining %s failed: %s", label, reason)
	}
}

func failedMessage(reason, source string, summary Summary) string {
	switch reason {
	case ReasonNoComponents:
		return fmt.Sprintf("Explanation of '%s' failed: no components found in the configuration", source)
	case ReasonConfigError:
		return fmt.Sprintf("Explanation of '%s' failed: the configuration could not be parsed", source)
	case ReasonBackendError:
		return fmt.Sprintf("Explanation of '%s' failed: the backend was unavailable after %d of %d components", source, summary.Explained, summary.Total)
	case ReasonCanceled:
		return fmt.Sprintf("Explanation of '%s' was interrupted after %d of %d components", source, summary.Explained, summary.Total)
	default:
		return fmt.Sprintf("Explanation of '%s' failed: %s", source, reason)
	}
}
