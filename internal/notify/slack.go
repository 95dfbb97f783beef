// Package notify delivers fire-and-forget notifications back to the chat
// surface that submitted a prompt. Failures never block the user-visible
// response: delivery is retried a bounded number of times, then dropped
// with a log line.
package notify

import (
	"encoding/json"
	"log"
	"time"

	"github.com/slack-go/slack"
)

const (
	maxAttempts  = 2
	retryBackoff = time.Second
)

// CallbackContext is the opaque context a Slack-sourced message carries so
// its completion can be reported in the right thread.
type CallbackContext struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// SlackNotifier posts completion and artifact notices to Slack.
type SlackNotifier struct {
	client *slack.Client
}

// NewSlackNotifier creates a notifier from a bot token.
func NewSlackNotifier(botToken string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(botToken)}
}

// MessageFinished reports a completed or failed prompt.
func (n *SlackNotifier) MessageFinished(callbackContext string, success bool, summary string) {
	text := ":white_check_mark: Done: " + summary
	if !success {
		text = ":x: Failed: " + summary
	}
	n.deliver(callbackContext, text)
}

// ArtifactCreated reports a new artifact (typically the PR link).
func (n *SlackNotifier) ArtifactCreated(callbackContext string, artifactURL string) {
	n.deliver(callbackContext, "Pull request ready: "+artifactURL)
}

func (n *SlackNotifier) deliver(callbackContext, text string) {
	var cb CallbackContext
	if err := json.Unmarshal([]byte(callbackContext), &cb); err != nil || cb.Channel == "" {
		return
	}

	go func() {
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if cb.ThreadTS != "" {
			opts = append(opts, slack.MsgOptionTS(cb.ThreadTS))
		}

		var err error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			_, _, err = n.client.PostMessage(cb.Channel, opts...)
			if err == nil {
				return
			}
			if attempt < maxAttempts {
				time.Sleep(retryBackoff)
			}
		}
		log.Printf("notify: dropping slack notification to %s: %v", cb.Channel, err)
	}()
}
