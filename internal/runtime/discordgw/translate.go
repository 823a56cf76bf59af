package discordgw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/runtime/discordrest"
	"github.com/nbot-io/nbot/pkg/models"
)

// translateMessageCreate converts a MESSAGE_CREATE dispatch into the
// normalized event shape the pipeline expects. Messages from the bot
// itself and from other bots are dropped.
func translateMessageCreate(data json.RawMessage, selfID string, index *runtime.MessageIndex) (models.Event, bool) {
	var msg struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
		GuildID   string `json:"guild_id"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Bot      bool   `json:"bot"`
		} `json:"author"`
		Attachments []struct {
			URL         string `json:"url"`
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			Size        int64  `json:"size"`
		} `json:"attachments"`
		ReferencedMessage *struct {
			ID string `json:"id"`
		} `json:"referenced_message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Author.Bot || msg.Author.ID == selfID {
		return nil, false
	}

	if index != nil {
		index.Put(msg.ID, msg.ChannelID)
	}

	messageType := "private"
	if msg.GuildID != "" {
		messageType = "group"
	}

	segments := []any{}
	raw := msg.Content
	if msg.Content != "" {
		segments = append(segments, map[string]any{
			"type": "text",
			"data": map[string]any{"text": msg.Content},
		})
	}
	for _, att := range msg.Attachments {
		segType := "file"
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			segType = "image"
		case strings.HasPrefix(att.ContentType, "video/"):
			segType = "video"
		case strings.HasPrefix(att.ContentType, "audio/"):
			segType = "record"
		}
		segments = append(segments, map[string]any{
			"type": segType,
			"data": map[string]any{
				"file": att.Filename,
				"url":  att.URL,
				"size": att.Size,
			},
		})
		raw += fmt.Sprintf("[CQ:%s,file=%s,url=%s]", segType,
			runtime.EncodeCQEntities(att.Filename), runtime.EncodeCQEntities(att.URL))
	}
	if msg.ReferencedMessage != nil {
		raw = fmt.Sprintf("[CQ:reply,id=%s]", msg.ReferencedMessage.ID) + raw
	}

	event := models.Event{
		"post_type":    "message",
		"message_type": messageType,
		"platform":     "discord",
		"message_id":   msg.ID,
		"user_id":      msg.Author.ID,
		"nickname":     msg.Author.Username,
		"raw_message":  raw,
		"message":      segments,
	}
	if messageType == "group" {
		event["group_id"] = msg.ChannelID
		event["guild_id"] = msg.GuildID
	}
	return event, true
}

// translateAction maps the OneBot action vocabulary onto Discord REST
// calls so the hub can speak one dialect to both platforms.
func translateAction(ctx context.Context, rest *discordrest.Client, index *runtime.MessageIndex, action string, params map[string]any) (json.RawMessage, error) {
	switch action {
	case "send_group_msg", "send_msg":
		channelID := stringParam(params, "group_id")
		if channelID == "" {
			channelID = stringParam(params, "channel_id")
		}
		if channelID == "" {
			return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "missing channel for send", nil)
		}
		return sendTranslatedText(ctx, rest, channelID, params)

	case "send_private_msg":
		userID := stringParam(params, "user_id")
		if userID == "" {
			return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "missing user for dm", nil)
		}
		channelID, err := rest.DMChannel(ctx, userID)
		if err != nil {
			return nil, err
		}
		return sendTranslatedText(ctx, rest, channelID, params)

	case "send_group_forward_msg", "send_private_forward_msg":
		// Discord has no forward cards; flatten the node contents into
		// one text stream.
		text := flattenForwardNodes(params)
		var channelID string
		if action == "send_group_forward_msg" {
			channelID = stringParam(params, "group_id")
		} else {
			userID := stringParam(params, "user_id")
			ch, err := rest.DMChannel(ctx, userID)
			if err != nil {
				return nil, err
			}
			channelID = ch
		}
		if channelID == "" {
			return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "missing forward target", nil)
		}
		return sendWithEmbeddedImages(ctx, rest, channelID, text)

	case "get_msg":
		messageID := stringParam(params, "message_id")
		channelID, ok := index.Channel(messageID)
		if !ok {
			return nil, runtime.NewError(runtime.ErrCodeNotConnected, "message channel unknown", nil).
				WithContext("message_id", messageID)
		}
		msg, err := rest.GetMessage(ctx, channelID, messageID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"message_id":  msg.ID,
			"raw_message": msg.Content,
			"sender": map[string]any{
				"user_id":  msg.Author.ID,
				"nickname": msg.Author.Username,
			},
		})

	case "delete_msg":
		messageID := stringParam(params, "message_id")
		channelID, ok := index.Channel(messageID)
		if !ok {
			return nil, runtime.NewError(runtime.ErrCodeNotConnected, "message channel unknown", nil)
		}
		return nil, rest.DeleteMessage(ctx, channelID, messageID)
	}

	return nil, runtime.NewError(runtime.ErrCodeInvalidInput,
		fmt.Sprintf("action %s has no discord translation", action), nil)
}

func sendTranslatedText(ctx context.Context, rest *discordrest.Client, channelID string, params map[string]any) (json.RawMessage, error) {
	return sendWithEmbeddedImages(ctx, rest, channelID, stringParam(params, "message"))
}

// maxEmbeddedImages is Discord's per-message attachment limit.
const maxEmbeddedImages = 10

// base64ImagePattern matches inline base64 image CQ segments.
var base64ImagePattern = regexp.MustCompile(`\[CQ:image,[^\]]*?file=base64://([A-Za-z0-9+/=]+)[^\]]*\]`)

// sendWithEmbeddedImages materializes inline base64 images as multipart
// attachments: the first text chunk rides on the upload, remaining
// chunks follow as plain messages.
func sendWithEmbeddedImages(ctx context.Context, rest *discordrest.Client, channelID, text string) (json.RawMessage, error) {
	text, files := extractBase64Images(text)
	if len(files) == 0 {
		msg, err := rest.SendText(ctx, channelID, text)
		if err != nil {
			return nil, err
		}
		return marshalMessage(msg)
	}

	chunks := discordrest.ChunkContent(text)
	first := ""
	if len(chunks) > 0 {
		first = chunks[0]
		chunks = chunks[1:]
	}
	if err := rest.SendFiles(ctx, channelID, first, files); err != nil {
		return nil, err
	}
	var last *discordrest.Message
	for _, chunk := range chunks {
		msg, err := rest.SendText(ctx, channelID, chunk)
		if err != nil {
			return nil, err
		}
		last = msg
	}
	return marshalMessage(last)
}

// extractBase64Images pulls base64 image segments out of the text and
// decodes them into uploadable files. At most maxEmbeddedImages are
// materialized; every matched segment is removed from the text either
// way.
func extractBase64Images(text string) (string, []discordrest.File) {
	var files []discordrest.File
	clean := base64ImagePattern.ReplaceAllStringFunc(text, func(seg string) string {
		m := base64ImagePattern.FindStringSubmatch(seg)
		if m == nil || len(files) >= maxEmbeddedImages {
			return ""
		}
		data, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			return ""
		}
		name := fmt.Sprintf("image_%d%s", len(files)+1, imageExt(data))
		files = append(files, discordrest.File{Name: name, Data: data})
		return ""
	})
	return strings.TrimSpace(clean), files
}

func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func marshalMessage(msg *discordrest.Message) (json.RawMessage, error) {
	if msg == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(map[string]any{"message_id": msg.ID})
}

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case uint64:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

// flattenForwardNodes extracts the per-node content strings of a
// forward payload.
func flattenForwardNodes(params map[string]any) string {
	nodes, _ := params["messages"].([]map[string]any)
	if nodes == nil {
		if anyNodes, ok := params["messages"].([]any); ok {
			for _, n := range anyNodes {
				if m, ok := n.(map[string]any); ok {
					nodes = append(nodes, m)
				}
			}
		}
	}
	var parts []string
	for _, node := range nodes {
		data, _ := node["data"].(map[string]any)
		if data == nil {
			continue
		}
		if content, ok := data["content"].(string); ok && strings.TrimSpace(content) != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}
