package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/pkg/models"
)

func TestExtractReplyMediaEnrichesSender(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")

	msg := models.Event{
		"sender": map[string]any{"nickname": "老张", "user_id": float64(20002)},
		"message": []any{
			map[string]any{"type": "text", "data": map[string]any{"text": "昨天的日志在附件里"}},
		},
	}
	rc := hub.ExtractReplyMedia(context.Background(), "qq_1", msg, 0)
	require.Equal(t, "昨天的日志在附件里", rc.Text)
	require.Equal(t, "老张", rc.SenderNickname)
	require.False(t, rc.SenderIsBot)
}

func TestExtractReplyMediaMarksOwnMessages(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")

	msg := models.Event{
		"sender": map[string]any{"nickname": "分析机器人", "user_id": float64(10001)},
		"message": []any{
			map[string]any{"type": "text", "data": map[string]any{"text": "分析结果如下"}},
		},
	}
	rc := hub.ExtractReplyMedia(context.Background(), "qq_1", msg, 0)
	require.True(t, rc.SenderIsBot)
	require.Equal(t, "分析机器人", rc.SenderNickname)
}

func TestExtractReplyMediaPrefersFileOverImage(t *testing.T) {
	hub, _ := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")

	msg := models.Event{
		"sender": map[string]any{"nickname": "老张", "user_id": float64(20002)},
		"message": []any{
			map[string]any{"type": "image", "data": map[string]any{"url": "http://img/a.png"}},
			map[string]any{"type": "file", "data": map[string]any{
				"file_name": "crash.log", "url": "http://files/crash.log",
			}},
		},
	}
	rc := hub.ExtractReplyMedia(context.Background(), "qq_1", msg, 0)
	require.Equal(t, "file", rc.MediaKind)
	require.Equal(t, "http://files/crash.log", rc.MediaURL)
	require.Equal(t, "crash.log", rc.FileName)
}
