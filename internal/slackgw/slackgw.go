// Package slackgw is an outbound-only Slack notification gateway: plans
// and continuous turns that fail, or that pause for clarification, can
// notify an operator channel. Inbound Slack events (slash commands,
// interactive components) are out of scope — this package only ever
// posts.
package slackgw

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

const defaultPostTimeout = 5 * time.Second

// Notifier is the narrow outbound contract the orchestration pools depend
// on, so a disabled or misconfigured Slack integration is a no-op rather
// than a nil-check scattered through caller code.
type Notifier interface {
	// Notify posts a single-line message to the configured channel.
	Notify(ctx context.Context, message string) error
}

// Client posts messages to one Slack channel via the Slack Web API.
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient builds a Client posting to channelID using token.
func NewClient(token, channelID string, logger *slog.Logger) *Client {
	return NewClientWithAPIURL(token, channelID, "", logger)
}

// NewClientWithAPIURL builds a Client targeting a custom Slack API base
// URL; apiURL empty means "use slack.com" (goslack's default). Tests point
// this at an httptest server instead of the real Slack API.
func NewClientWithAPIURL(token, channelID, apiURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []goslack.Option{}
	if apiURL != "" {
		opts = append(opts, goslack.OptionAPIURL(apiURL))
	}
	return &Client{
		api:       goslack.New(token, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

// Notify posts message to the configured channel, bounded by
// defaultPostTimeout.
func (c *Client) Notify(ctx context.Context, message string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPostTimeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("slackgw: chat.postMessage failed: %w", err)
	}
	return nil
}

// NoopNotifier discards every notification; it is the default when no
// Slack webhook is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string) error { return nil }
