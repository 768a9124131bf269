package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
)

// Client wraps the Slack API client with the bot's identity.
type Client struct {
	api       *slack.Client
	botUserID string
	log       *slog.Logger
}

// NewClient creates a Slack client. appToken enables socket mode.
func NewClient(botToken, appToken string, log *slog.Logger) *Client {
	opts := []slack.Option{}
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Client{
		api: slack.New(botToken, opts...),
		log: log,
	}
}

// Initialize runs an auth test and records the bot's user ID.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth test failed: %w", err)
	}
	c.botUserID = resp.UserID
	c.log.Info("slack bot authenticated", "bot_user_id", resp.UserID, "team", resp.Team)
	return resp.UserID, nil
}

// API exposes the underlying Slack client for socket mode.
func (c *Client) API() *slack.Client {
	return c.api
}

// BotUserID returns the bot's Slack user ID.
func (c *Client) BotUserID() string {
	return c.botUserID
}

// IsBotMentioned reports whether the text mentions the bot.
func (c *Client) IsBotMentioned(text string) bool {
	if c.botUserID == "" {
		return false
	}
	return strings.Contains(text, "<@"+c.botUserID+">")
}

// StripMention removes the bot mention token from a message.
func (c *Client) StripMention(text string) string {
	if c.botUserID == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+c.botUserID+">", ""))
}

// PostThreadMessage posts a message into a thread and returns its timestamp.
func (c *Client) PostThreadMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		return "", fmt.Errorf("failed to post message to %s: %w", channel, err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of a previously posted message.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s in %s: %w", ts, channel, err)
	}
	return nil
}
