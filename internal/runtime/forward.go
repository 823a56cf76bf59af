package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbot-io/nbot/pkg/models"
)

const (
	// forwardMaxChars caps the rendered transcript length.
	forwardMaxChars = 50000
	// forwardMaxDepth caps recursion into nested forwards.
	forwardMaxDepth = 3
	// forwardMaxMedia caps how many attachments are collected.
	forwardMaxMedia = 20
	// forwardCardSnippet caps embedded JSON/XML card payloads.
	forwardCardSnippet = 1200
)

// forwardByteSoftLimit stops rendering early for transcripts that are
// mostly multi-byte text.
const forwardByteSoftLimit = forwardMaxChars * 4

// ForwardMedia is one attachment discovered while rendering a forward.
type ForwardMedia struct {
	Kind string
	URL  string
	Name string
}

// ForwardTranscript is the flattened form of a forwarded conversation.
type ForwardTranscript struct {
	Text  string
	Media []ForwardMedia
	// MediaTruncated reports that the media cap dropped attachments.
	MediaTruncated bool
}

// RenderForwardText flattens a forwarded conversation into a plain
// transcript plus the attachments it references. Each media URL is
// collected once no matter how often the conversation repeats it.
func (h *Hub) RenderForwardText(ctx context.Context, botID, forwardID string) (ForwardTranscript, error) {
	r := &forwardRenderer{hub: h, botID: botID}
	if err := r.renderID(ctx, forwardID, 1); err != nil && r.b.Len() == 0 {
		return ForwardTranscript{}, err
	}
	return ForwardTranscript{
		Text:           r.b.String(),
		Media:          r.media,
		MediaTruncated: r.mediaTruncated,
	}, nil
}

type forwardRenderer struct {
	hub            *Hub
	botID          string
	b              strings.Builder
	chars          int
	media          []ForwardMedia
	mediaSeen      map[string]bool
	mediaTruncated bool
	seq            int
}

func (r *forwardRenderer) full() bool {
	return r.chars >= forwardMaxChars || r.b.Len() >= forwardByteSoftLimit
}

func (r *forwardRenderer) write(s string) {
	if r.full() {
		return
	}
	r.b.WriteString(s)
	r.chars += len([]rune(s))
}

func (r *forwardRenderer) addMedia(m ForwardMedia) {
	if r.mediaSeen[m.URL] {
		return
	}
	if len(r.media) >= forwardMaxMedia {
		r.mediaTruncated = true
		return
	}
	if r.mediaSeen == nil {
		r.mediaSeen = make(map[string]bool)
	}
	r.mediaSeen[m.URL] = true
	r.media = append(r.media, m)
}

func (r *forwardRenderer) renderID(ctx context.Context, forwardID string, depth int) error {
	resp, err := r.hub.SendAPI(ctx, r.botID, "get_forward_msg", map[string]any{"id": forwardID})
	if err != nil {
		return err
	}
	var payload struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return NewError(ErrCodeUpstream, "malformed get_forward_msg response", err)
	}
	r.renderMessages(ctx, payload.Messages, depth)
	return nil
}

func (r *forwardRenderer) renderMessages(ctx context.Context, messages []map[string]any, depth int) {
	for _, raw := range messages {
		if r.full() {
			return
		}
		msg := models.Event(raw)
		r.seq++

		nickname := "未知"
		if sender, ok := raw["sender"].(map[string]any); ok {
			if n, ok := sender["nickname"].(string); ok && n != "" {
				nickname = n
			}
		}
		stamp := ""
		if ts := msg.Int("time"); ts > 0 {
			stamp = time.Unix(ts, 0).Format("2006-01-02 15:04:05")
		}
		r.write(fmt.Sprintf("#%d %s %s\n", r.seq, nickname, stamp))

		for _, seg := range msg.Segments() {
			if r.full() {
				return
			}
			r.renderSegment(ctx, seg, depth)
		}
		r.write("\n")
	}
}

func (r *forwardRenderer) renderSegment(ctx context.Context, seg models.Segment, depth int) {
	switch seg.Type {
	case "text":
		r.write(seg.Str("text"))
	case "at":
		if seg.Str("qq") == "all" {
			r.write("@all")
		} else {
			r.write("@用户")
		}
	case "image":
		url := seg.FirstStr("url", "file")
		r.write(fmt.Sprintf("[图片:%s]", url))
		if url != "" {
			r.addMedia(ForwardMedia{Kind: "image", URL: url, Name: seg.Str("file")})
		}
	case "video":
		url := seg.FirstStr("url", "file")
		r.write(fmt.Sprintf("[视频:%s]", url))
		if url != "" {
			r.addMedia(ForwardMedia{Kind: "video", URL: url, Name: seg.Str("file")})
		}
	case "record":
		url := seg.FirstStr("url", "file")
		r.write(fmt.Sprintf("[语音:%s]", url))
		if url != "" {
			r.addMedia(ForwardMedia{Kind: "record", URL: url, Name: seg.Str("file")})
		}
	case "file":
		name := seg.FirstStr("file_name", "file")
		r.write(fmt.Sprintf("[文件:%s]", name))
		if url := seg.Str("url"); url != "" {
			r.addMedia(ForwardMedia{Kind: "file", URL: url, Name: name})
		}
	case "reply":
		r.write(fmt.Sprintf("[回复:%s]", seg.Str("id")))
	case "forward":
		r.write("[转发消息]")
		if depth < forwardMaxDepth {
			r.write("\n")
			if id := seg.Str("id"); id != "" {
				_ = r.renderID(ctx, id, depth+1)
			} else if content, ok := seg.Data["content"].([]any); ok {
				nested := make([]map[string]any, 0, len(content))
				for _, c := range content {
					if m, ok := c.(map[string]any); ok {
						nested = append(nested, m)
					}
				}
				r.renderMessages(ctx, nested, depth+1)
			}
		}
	case "json":
		r.write("[JSON卡片] " + snippet(seg.Str("data"), forwardCardSnippet))
	case "xml":
		r.write("[XML卡片] " + snippet(seg.Str("data"), forwardCardSnippet))
	}
}

func snippet(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "…"
}
