package notifier

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackAdapter implements the chat channel over Slack, using the
// recipient's ChatID as the target Slack channel or user ID.
type SlackAdapter struct {
	client *slack.Client
}

// NewSlackAdapter builds a chat Adapter backed by a Slack bot token.
func NewSlackAdapter(botToken string) *SlackAdapter {
	return &SlackAdapter{client: slack.New(botToken)}
}

// Send posts m to r.ChatID, prefixing the body with a severity marker so
// on-call readers can triage without opening the thread.
func (a *SlackAdapter) Send(ctx context.Context, r Recipient, m Message) error {
	text := fmt.Sprintf("[%s] %s: %s", m.Severity, m.Title, m.Body)
	_, _, err := a.client.PostMessageContext(ctx, r.ChatID, slack.MsgOptionText(text, false))
	return err
}
