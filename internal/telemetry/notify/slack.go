package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts messages through an incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack builds a Slack notifier for the given incoming webhook URL.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

// Name implements Notifier.
func (s *Slack) Name() string { return "slack" }

// Send implements Notifier.
func (s *Slack) Send(ctx context.Context, msg Message) error {
	payload := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, payload)
}
