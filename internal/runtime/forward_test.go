package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func forwardResponse(t *testing.T, messages []map[string]any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{"messages": messages})
	require.NoError(t, err)
	return data
}

func TestRenderForwardTextTranscript(t *testing.T) {
	hub, conn := newTestHub(t)
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		require.Equal(t, "get_forward_msg", action)
		require.Equal(t, "fwd1", params["id"])
		return forwardResponse(t, []map[string]any{
			{
				"time":   float64(1700000000),
				"sender": map[string]any{"nickname": "小明"},
				"message": []any{
					map[string]any{"type": "text", "data": map[string]any{"text": "看这个"}},
					map[string]any{"type": "image", "data": map[string]any{"url": "http://img/a.png", "file": "a.png"}},
				},
			},
			{
				"sender": map[string]any{"nickname": "小红"},
				"message": []any{
					map[string]any{"type": "at", "data": map[string]any{"qq": "12345678"}},
					map[string]any{"type": "text", "data": map[string]any{"text": " 收到"}},
				},
			},
		}), nil
	}

	tr, err := hub.RenderForwardText(context.Background(), "qq_1", "fwd1")
	require.NoError(t, err)
	require.Contains(t, tr.Text, "#1 小明")
	require.Contains(t, tr.Text, "[图片:http://img/a.png]")
	require.Contains(t, tr.Text, "#2 小红")
	require.Contains(t, tr.Text, "@用户")
	require.NotContains(t, tr.Text, "12345678")

	require.Len(t, tr.Media, 1)
	require.Equal(t, "image", tr.Media[0].Kind)
	require.Equal(t, "http://img/a.png", tr.Media[0].URL)
	require.Equal(t, "a.png", tr.Media[0].Name)
	require.False(t, tr.MediaTruncated)
}

func TestRenderForwardTextNestedDepthCap(t *testing.T) {
	hub, conn := newTestHub(t)
	// Every level embeds the same forward id again, so only the depth
	// cap stops the recursion.
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		return forwardResponse(t, []map[string]any{
			{
				"sender": map[string]any{"nickname": "n"},
				"message": []any{
					map[string]any{"type": "forward", "data": map[string]any{"id": "loop"}},
				},
			},
		}), nil
	}

	tr, err := hub.RenderForwardText(context.Background(), "qq_1", "loop")
	require.NoError(t, err)
	require.Contains(t, tr.Text, "[转发消息]")
	require.Equal(t, 3, conn.callCount())
}

func TestRenderForwardTextCardSnippet(t *testing.T) {
	hub, conn := newTestHub(t)
	long := make([]rune, forwardCardSnippet+100)
	for i := range long {
		long[i] = '卡'
	}
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		return forwardResponse(t, []map[string]any{
			{
				"sender": map[string]any{"nickname": "n"},
				"message": []any{
					map[string]any{"type": "json", "data": map[string]any{"data": string(long)}},
				},
			},
		}), nil
	}

	tr, err := hub.RenderForwardText(context.Background(), "qq_1", "fwd2")
	require.NoError(t, err)
	require.Contains(t, tr.Text, "[JSON卡片] ")
	require.Contains(t, tr.Text, "…")
	require.Less(t, len([]rune(tr.Text)), forwardCardSnippet+200)
}

func TestRenderForwardTextMediaDedupAndCap(t *testing.T) {
	hub, conn := newTestHub(t)

	// The same image repeats, then distinct ones overflow the cap.
	messages := make([]map[string]any, 0, forwardMaxMedia+5)
	for i := 0; i < 3; i++ {
		messages = append(messages, map[string]any{
			"sender": map[string]any{"nickname": "n"},
			"message": []any{
				map[string]any{"type": "image", "data": map[string]any{"url": "http://img/same.png", "file": "same.png"}},
			},
		})
	}
	for i := 0; i < forwardMaxMedia+2; i++ {
		messages = append(messages, map[string]any{
			"sender": map[string]any{"nickname": "n"},
			"message": []any{
				map[string]any{"type": "image", "data": map[string]any{"url": fmt.Sprintf("http://img/%d.png", i)}},
			},
		})
	}
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		return forwardResponse(t, messages), nil
	}

	tr, err := hub.RenderForwardText(context.Background(), "qq_1", "fwd3")
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, m := range tr.Media {
		seen[m.URL]++
	}
	require.Equal(t, 1, seen["http://img/same.png"])
	require.Len(t, tr.Media, forwardMaxMedia)
	require.True(t, tr.MediaTruncated)
}
