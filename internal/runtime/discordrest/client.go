// Package discordrest is a minimal Discord REST client covering the
// endpoints the bot runtime needs: sending messages (with chunking and
// multipart attachments), DM channel creation, and message lookup.
package discordrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
)

const (
	// maxAttachmentsPerMessage is Discord's per-message file limit.
	maxAttachmentsPerMessage = 10
	// maxRateLimitAttempts bounds 429 retries for one request.
	maxRateLimitAttempts = 6
	// minRetryAfter floors the wait between rate limited attempts.
	minRetryAfter = 250 * time.Millisecond
	// errCodeMissingPermissions is Discord's JSON error for a channel
	// the bot cannot speak in.
	errCodeMissingPermissions = 50013
)

// File is one attachment to upload with a message.
type File struct {
	Name string
	Data []byte
}

// Client talks to the Discord REST API on behalf of one bot token.
type Client struct {
	http      *http.Client
	apiBase   string
	token     string
	userAgent string
	logger    *observability.Logger

	dmMu       sync.Mutex
	dmChannels map[string]string
}

// NewClient creates a REST client for a bot token.
func NewClient(cfg config.DiscordConfig, token string, logger *observability.Logger) *Client {
	return &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		token:      token,
		userAgent:  cfg.UserAgent,
		logger:     logger,
		dmChannels: make(map[string]string),
	}
}

// request performs one API call with rate limit handling. A 429 waits
// for retry_after (floored at minRetryAfter) and retries up to
// maxRateLimitAttempts times.
func (c *Client) request(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, bytes.NewReader(body))
		if err != nil {
			return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "build request failed", err)
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", c.userAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, runtime.ErrConnection("discord request failed", err).WithContext("path", path)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, runtime.ErrConnection("discord response read failed", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= maxRateLimitAttempts {
				return nil, runtime.NewError(runtime.ErrCodeRateLimit, "rate limit retries exhausted", nil).
					WithContext("path", path)
			}
			wait := retryAfter(data)
			c.logger.Debug(ctx, "discord rate limited", "path", path, "wait", wait.String(), "attempt", attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case resp.StatusCode == http.StatusForbidden || jsonErrorCode(data) == errCodeMissingPermissions:
			return nil, runtime.ErrMuted("missing permission to send in channel").
				WithContext("path", path).WithContext("status", resp.StatusCode)
		default:
			return nil, runtime.ErrUpstream(
				fmt.Sprintf("discord api %s %s returned %d", method, path, resp.StatusCode), nil).
				WithContext("body", string(data))
		}
	}
}

func retryAfter(body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		d := time.Duration(payload.RetryAfter * float64(time.Second))
		if d < minRetryAfter {
			return minRetryAfter
		}
		return d
	}
	return minRetryAfter
}

func jsonErrorCode(body []byte) int {
	var payload struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)
	return payload.Code
}

// Message is the slice of a Discord message the runtime cares about.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"author"`
	Attachments []struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	} `json:"attachments"`
}

// SendText sends content to a channel, chunking past the 2000 char
// limit. Returns the last sent message.
func (c *Client) SendText(ctx context.Context, channelID, content string) (*Message, error) {
	var last *Message
	for _, chunk := range ChunkContent(content) {
		body, err := json.Marshal(map[string]any{"content": chunk})
		if err != nil {
			return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "marshal message failed", err)
		}
		data, err := c.request(ctx, http.MethodPost,
			"/channels/"+channelID+"/messages", body, "application/json")
		if err != nil {
			return last, err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			last = &msg
		}
	}
	return last, nil
}

// SendFiles uploads attachments with optional content via multipart.
// More than ten files are split across messages.
func (c *Client) SendFiles(ctx context.Context, channelID, content string, files []File) error {
	for len(files) > 0 {
		batch := files
		if len(batch) > maxAttachmentsPerMessage {
			batch = files[:maxAttachmentsPerMessage]
		}
		files = files[len(batch):]

		if err := c.sendMultipart(ctx, channelID, content, batch); err != nil {
			return err
		}
		// Content rides only on the first message of a split upload.
		content = ""
	}
	return nil
}

func (c *Client) sendMultipart(ctx context.Context, channelID, content string, files []File) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	attachments := make([]map[string]any, len(files))
	for i, f := range files {
		attachments[i] = map[string]any{"id": i, "filename": f.Name}
	}
	payload := map[string]any{"attachments": attachments}
	if content != "" {
		chunks := ChunkContent(content)
		payload["content"] = chunks[0]
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return runtime.NewError(runtime.ErrCodeInvalidInput, "marshal payload failed", err)
	}
	if err := w.WriteField("payload_json", string(payloadJSON)); err != nil {
		return runtime.NewError(runtime.ErrCodeInternal, "write multipart field failed", err)
	}
	for i, f := range files {
		part, err := w.CreateFormFile(fmt.Sprintf("files[%d]", i), f.Name)
		if err != nil {
			return runtime.NewError(runtime.ErrCodeInternal, "create multipart file failed", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return runtime.NewError(runtime.ErrCodeInternal, "write multipart file failed", err)
		}
	}
	if err := w.Close(); err != nil {
		return runtime.NewError(runtime.ErrCodeInternal, "close multipart failed", err)
	}

	_, err = c.request(ctx, http.MethodPost,
		"/channels/"+channelID+"/messages", buf.Bytes(), w.FormDataContentType())
	return err
}

// DMChannel resolves (and caches) the DM channel for a user.
func (c *Client) DMChannel(ctx context.Context, userID string) (string, error) {
	c.dmMu.Lock()
	if ch, ok := c.dmChannels[userID]; ok {
		c.dmMu.Unlock()
		return ch, nil
	}
	c.dmMu.Unlock()

	body, err := json.Marshal(map[string]any{"recipient_id": userID})
	if err != nil {
		return "", runtime.NewError(runtime.ErrCodeInvalidInput, "marshal dm request failed", err)
	}
	data, err := c.request(ctx, http.MethodPost, "/users/@me/channels", body, "application/json")
	if err != nil {
		return "", err
	}
	var ch struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &ch); err != nil || ch.ID == "" {
		return "", runtime.ErrUpstream("malformed dm channel response", err)
	}

	c.dmMu.Lock()
	c.dmChannels[userID] = ch.ID
	c.dmMu.Unlock()
	return ch.ID, nil
}

// GetMessage fetches one message from a channel.
func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	data, err := c.request(ctx, http.MethodGet,
		"/channels/"+channelID+"/messages/"+messageID, nil, "")
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, runtime.ErrUpstream("malformed message response", err)
	}
	return &msg, nil
}

// DeleteMessage removes one message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	_, err := c.request(ctx, http.MethodDelete,
		"/channels/"+channelID+"/messages/"+messageID, nil, "")
	return err
}
