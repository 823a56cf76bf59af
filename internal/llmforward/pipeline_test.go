package llmforward

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

func TestVariantForMedia(t *testing.T) {
	cases := []struct {
		kind string
		name string
		want models.ForwardVariant
	}{
		{"image", "", models.ForwardImage},
		{"video", "", models.ForwardVideo},
		{"record", "voice.amr", models.ForwardAudio},
		{"file", "logs.zip", models.ForwardArchive},
		{"file", "dump.tar.gz", models.ForwardArchive},
		{"file", "photo.JPG", models.ForwardImage},
		{"file", "clip.mp4", models.ForwardVideo},
		{"file", "note.m4a", models.ForwardAudio},
		{"file", "latest.log", models.ForwardTextURL},
		{"file", "", models.ForwardTextURL},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, variantForMedia(tc.kind, tc.name), "%s %s", tc.kind, tc.name)
	}
}

func TestTruncateRunes(t *testing.T) {
	s, truncated := truncateRunes("你好世界", 10)
	require.False(t, truncated)
	require.Equal(t, "你好世界", s)

	s, truncated = truncateRunes("你好世界", 2)
	require.True(t, truncated)
	require.Equal(t, "你好", s)
}

func TestBotUinResolution(t *testing.T) {
	require.Equal(t, uint64(123456), botUin(models.BotInstance{QQID: "123456"}))
	require.Equal(t, uint64(987654), botUin(models.BotInstance{ID: "qq_987654"}))
	require.Equal(t, fallbackUin, botUin(models.BotInstance{ID: "discord_x"}))
}

func TestContextJSONShape(t *testing.T) {
	block := contextJSON("日志分析", map[string]any{"file_name": "latest.log"})
	require.Contains(t, block, "任务上下文（JSON）：")
	require.Contains(t, block, `"task":"日志分析"`)
	require.Contains(t, block, `"file_name":"latest.log"`)
}

type stubConn struct {
	calls   []string
	respond func(action string, params map[string]any) (json.RawMessage, error)
}

func (c *stubConn) BotID() string             { return "qq_1" }
func (c *stubConn) Platform() models.Platform { return models.PlatformQQ }
func (c *stubConn) Close() error              { return nil }

func (c *stubConn) SendAction(_ context.Context, action string, params map[string]any) (json.RawMessage, error) {
	c.calls = append(c.calls, action)
	return c.respond(action, params)
}

func testForwarder(t *testing.T, conn *stubConn) *Forwarder {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	hub := runtime.NewHub(state.NewStore(), logger)
	hub.Register(conn)
	return &Forwarder{
		hub:    hub,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func TestFetchRecordPrefersPlatformRetrieval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("voice message should not be downloaded when get_record succeeds")
	}))
	defer srv.Close()

	wav := []byte("RIFF-wav-bytes")
	conn := &stubConn{respond: func(action string, params map[string]any) (json.RawMessage, error) {
		require.Equal(t, "get_record", action)
		require.Equal(t, "ABC123.amr", params["file"])
		require.Equal(t, "wav", params["out_format"])
		body, err := json.Marshal(map[string]string{"base64": base64.StdEncoding.EncodeToString(wav)})
		require.NoError(t, err)
		return body, nil
	}}
	f := testForwarder(t, conn)

	got, err := f.fetchRecord(context.Background(), "qq_1", models.LLMForwardRequest{
		RecordFile: "ABC123.amr",
		URL:        srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, wav, got)
	require.Equal(t, []string{"get_record"}, conn.calls)
}

func TestFetchRecordFallsBackToDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("downloaded-audio"))
	}))
	defer srv.Close()

	conn := &stubConn{respond: func(action string, params map[string]any) (json.RawMessage, error) {
		return nil, fmt.Errorf("api unavailable")
	}}
	f := testForwarder(t, conn)

	got, err := f.fetchRecord(context.Background(), "qq_1", models.LLMForwardRequest{
		RecordFile: "ABC123.amr",
		URL:        srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("downloaded-audio"), got)
	require.Equal(t, []string{"get_record"}, conn.calls)
}

func TestClassifyMergedForwardBecomesBundle(t *testing.T) {
	conn := &stubConn{respond: func(action string, params map[string]any) (json.RawMessage, error) {
		require.Equal(t, "get_forward_msg", action)
		require.Equal(t, "fwd1", params["id"])
		return json.RawMessage(`{"messages":[{"sender":{"nickname":"n"},"message":[` +
			`{"type":"text","data":{"text":"日志在这"}},` +
			`{"type":"image","data":{"url":"http://img/a.png","file":"a.png"}},` +
			`{"type":"image","data":{"url":"http://img/a.png","file":"a.png"}}]}]}`), nil
	}}
	f := testForwarder(t, conn)
	event := models.Event{
		"post_type":    "message",
		"message_type": "private",
		"user_id":      float64(7),
		"message": []any{
			map[string]any{"type": "forward", "data": map[string]any{"id": "fwd1"}},
		},
	}

	req, ok := f.classify(context.Background(), "qq_1", event)
	require.True(t, ok)
	require.Equal(t, models.ForwardBundle, req.Variant)
	require.Contains(t, req.Content, "日志在这")
	// The repeated image collapses to one attachment.
	require.Len(t, req.Attachments, 1)
	require.Equal(t, "http://img/a.png", req.Attachments[0].URL)
	require.False(t, req.ForwardMediaTruncated)
}

func TestClassifyKeepsRecordFileReference(t *testing.T) {
	f := testForwarder(t, &stubConn{})
	event := models.Event{
		"post_type":    "message",
		"message_type": "private",
		"user_id":      float64(7),
		"message": []any{
			map[string]any{"type": "record", "data": map[string]any{
				"file": "ABC123.amr",
				"url":  "http://media.example/rec",
			}},
		},
	}

	req, ok := f.classify(context.Background(), "qq_1", event)
	require.True(t, ok)
	require.Equal(t, models.ForwardAudio, req.Variant)
	require.Equal(t, "ABC123.amr", req.RecordFile)
	require.Equal(t, "http://media.example/rec", req.URL)
}

func TestAttachmentRawBudgetClampsInRawBytes(t *testing.T) {
	require.Equal(t, rawVideoMinBudget, attachmentRawBudget(0))

	// A budget whose raw conversion lands under the floor must still
	// come out at the floor, not below it.
	small := requestHeadroom + 100000
	require.Equal(t, rawVideoMinBudget, attachmentRawBudget(small))

	big := 4 << 20
	require.Equal(t, ((big-requestHeadroom)/4)*3, attachmentRawBudget(big))
}
