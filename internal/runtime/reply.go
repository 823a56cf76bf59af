package runtime

import (
	"context"
	"encoding/json"

	"github.com/nbot-io/nbot/pkg/models"
)

// ReplyContext is what a quoted message contributes to downstream
// analysis: its text, who wrote it, and at most one media attachment.
type ReplyContext struct {
	Text           string
	SenderNickname string
	// SenderIsBot marks messages the bot itself sent, so callers can
	// avoid re-analyzing their own output.
	SenderIsBot bool
	MediaKind   string // file, video, record, image
	MediaURL    string
	FileName    string
}

// FetchRepliedMessage resolves a reply id into the quoted message
// payload via get_msg.
func (h *Hub) FetchRepliedMessage(ctx context.Context, botID, replyID string) (models.Event, error) {
	resp, err := h.SendAPI(ctx, botID, "get_msg", map[string]any{"message_id": replyID})
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(resp, &msg); err != nil {
		return nil, NewError(ErrCodeUpstream, "malformed get_msg response", err)
	}
	return models.Event(msg), nil
}

// mediaPreference orders attachment kinds by analysis value. A quoted
// file beats a video beats a voice note beats an image.
var mediaPreference = []string{"file", "video", "record", "image"}

// ExtractReplyMedia finds the best media attachment of a quoted
// message. File segments without a direct URL are resolved through
// get_group_file_url; when everything fails the raw CQ code is mined as
// a last resort.
func (h *Hub) ExtractReplyMedia(ctx context.Context, botID string, msg models.Event, groupID uint64) ReplyContext {
	rc := ReplyContext{Text: messageText(msg)}

	if sender, ok := msg["sender"].(map[string]any); ok {
		se := models.Event(sender)
		rc.SenderNickname = se.Str("nickname")
		if uid := se.Str("user_id"); uid != "" {
			if selfID, err := h.SelfID(ctx, botID); err == nil {
				rc.SenderIsBot = uid == selfID
			}
		}
	}

	segments := msg.Segments()
	for _, kind := range mediaPreference {
		for _, seg := range segments {
			if seg.Type != kind {
				continue
			}
			rc.MediaKind = kind
			rc.FileName = seg.Str("file_name")
			if rc.FileName == "" {
				rc.FileName = seg.Str("file")
			}
			rc.MediaURL = seg.FirstStr("url", "file")
			if rc.MediaURL == "" && kind == "file" && groupID != 0 {
				rc.MediaURL = h.groupFileURL(ctx, botID, groupID, seg)
			}
			if rc.MediaURL != "" {
				return rc
			}
		}
	}

	// CQ raw fallback for transports that strip segment arrays.
	raw := msg.Str("raw_message")
	for _, kind := range mediaPreference {
		if url, ok := ParseCQField(raw, kind, "url"); ok {
			rc.MediaKind = kind
			rc.MediaURL = url
			if name, ok := ParseCQField(raw, kind, "file"); ok {
				rc.FileName = name
			}
			return rc
		}
	}
	rc.MediaKind = ""
	return rc
}

func (h *Hub) groupFileURL(ctx context.Context, botID string, groupID uint64, seg models.Segment) string {
	fileID := seg.FirstStr("file_id", "file")
	if fileID == "" {
		return ""
	}
	params := map[string]any{"group_id": groupID, "file_id": fileID}
	if busid := seg.Str("busid"); busid != "" {
		params["busid"] = busid
	}
	resp, err := h.SendAPI(ctx, botID, "get_group_file_url", params)
	if err != nil {
		return ""
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return ""
	}
	return payload.URL
}
