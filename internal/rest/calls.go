// ABOUTME: Convenience REST calls over Client.Do for common resources.
// ABOUTME: Thin typed wrappers; the domain object model stays generic JSON.

package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Channel fetches a channel by id.
func (c *Client) Channel(ctx context.Context, channelID string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("/channels/%s", channelID), nil)
}

// ChannelMessage fetches a single message.
func (c *Client) ChannelMessage(ctx context.Context, channelID, messageID string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil)
}

// SendMessage posts a message to a channel and returns the created message.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (json.RawMessage, error) {
	body := map[string]any{"content": content}
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("/channels/%s/messages", channelID), body)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_, err := c.Do(ctx, http.MethodDelete, fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil)
	return err
}

// CreateReaction adds the bot's reaction to a message.
func (c *Client) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	_, err := c.Do(ctx, http.MethodPut, path, nil)
	return err
}

// DeleteReaction removes a reaction. An empty userID targets the bot's own.
func (c *Client) DeleteReaction(ctx context.Context, channelID, messageID, emoji, userID string) error {
	target := "@me"
	if userID != "" {
		target = userID
	}
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/%s",
		channelID, messageID, url.PathEscape(emoji), target)
	_, err := c.Do(ctx, http.MethodDelete, path, nil)
	return err
}
