package discordgw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/runtime/discordrest"
)

func TestTranslateMessageCreateGuildMessage(t *testing.T) {
	data := json.RawMessage(`{
		"id": "111",
		"channel_id": "222",
		"guild_id": "333",
		"content": "hello there",
		"author": {"id": "444", "username": "alice", "bot": false},
		"attachments": [
			{"url": "https://cdn/x.png", "filename": "x.png", "content_type": "image/png", "size": 10}
		]
	}`)

	index := runtime.NewMessageIndex()
	event, ok := translateMessageCreate(data, "999", index)
	if !ok {
		t.Fatal("expected event")
	}
	if got := event.Str("message_type"); got != "group" {
		t.Errorf("message_type = %q, want group", got)
	}
	if got := event.Str("group_id"); got != "222" {
		t.Errorf("group_id = %q, want 222", got)
	}
	if got := event.Str("user_id"); got != "444" {
		t.Errorf("user_id = %q, want 444", got)
	}
	raw := event.Str("raw_message")
	if !strings.Contains(raw, "hello there") || !strings.Contains(raw, "[CQ:image,") {
		t.Errorf("raw_message = %q", raw)
	}
	segments := event.Segments()
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if segments[1].Type != "image" || segments[1].Str("url") != "https://cdn/x.png" {
		t.Errorf("attachment segment = %+v", segments[1])
	}
	if ch, ok := index.Channel("111"); !ok || ch != "222" {
		t.Error("message id should be indexed to its channel")
	}
}

func TestTranslateMessageCreateDropsSelfAndBots(t *testing.T) {
	self := json.RawMessage(`{"id":"1","channel_id":"2","content":"x","author":{"id":"999","bot":false}}`)
	if _, ok := translateMessageCreate(self, "999", nil); ok {
		t.Error("own message should be dropped")
	}
	bot := json.RawMessage(`{"id":"1","channel_id":"2","content":"x","author":{"id":"5","bot":true}}`)
	if _, ok := translateMessageCreate(bot, "999", nil); ok {
		t.Error("bot message should be dropped")
	}
}

func TestTranslateMessageCreateDMAndReply(t *testing.T) {
	data := json.RawMessage(`{
		"id": "10",
		"channel_id": "20",
		"content": "answer",
		"author": {"id": "30", "username": "bob"},
		"referenced_message": {"id": "40"}
	}`)
	event, ok := translateMessageCreate(data, "999", nil)
	if !ok {
		t.Fatal("expected event")
	}
	if got := event.Str("message_type"); got != "private" {
		t.Errorf("message_type = %q, want private", got)
	}
	if !strings.HasPrefix(event.Str("raw_message"), "[CQ:reply,id=40]") {
		t.Errorf("raw_message = %q, want reply prefix", event.Str("raw_message"))
	}
	if id, ok := runtime.ParseReplyID(event.Str("raw_message")); !ok || id != "40" {
		t.Errorf("ParseReplyID = %q %v", id, ok)
	}
}

func TestStringParamCoercions(t *testing.T) {
	params := map[string]any{
		"a": "x",
		"b": 42.0,
		"c": uint64(7),
		"d": nil,
	}
	if got := stringParam(params, "a"); got != "x" {
		t.Errorf("a = %q", got)
	}
	if got := stringParam(params, "b"); got != "42" {
		t.Errorf("b = %q", got)
	}
	if got := stringParam(params, "c"); got != "7" {
		t.Errorf("c = %q", got)
	}
	if got := stringParam(params, "d"); got != "" {
		t.Errorf("d = %q", got)
	}
}

func TestFlattenForwardNodes(t *testing.T) {
	params := map[string]any{
		"messages": []map[string]any{
			{"type": "node", "data": map[string]any{"content": "first"}},
			{"type": "node", "data": map[string]any{"content": "  "}},
			{"type": "node", "data": map[string]any{"content": "second"}},
		},
	}
	if got := flattenForwardNodes(params); got != "first\n\nsecond" {
		t.Errorf("flattened = %q", got)
	}
}

func TestSendMaterializesBase64ImagesAsMultipart(t *testing.T) {
	type captured struct {
		contentType string
		body        string
	}
	var reqs []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs = append(reqs, captured{r.Header.Get("Content-Type"), string(body)})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"900","channel_id":"20"}`))
	}))
	defer srv.Close()

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	rest := discordrest.NewClient(config.DiscordConfig{APIBase: srv.URL, UserAgent: "test"}, "tok", logger)

	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfakedata"))
	message := "结果[CQ:image,file=base64://" + png + "]" + strings.Repeat("甲", 2100)

	_, err := translateAction(context.Background(), rest, runtime.NewMessageIndex(), "send_group_msg", map[string]any{
		"group_id": "20", "message": message,
	})
	if err != nil {
		t.Fatalf("translateAction: %v", err)
	}

	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2 (multipart + remainder)", len(reqs))
	}
	if !strings.HasPrefix(reqs[0].contentType, "multipart/form-data") {
		t.Errorf("first request content type = %q, want multipart", reqs[0].contentType)
	}
	if !strings.Contains(reqs[0].body, `name="files[0]"`) {
		t.Errorf("multipart body carries no files[0] part")
	}
	if !strings.Contains(reqs[0].body, "payload_json") {
		t.Errorf("multipart body carries no payload_json field")
	}
	if strings.Contains(reqs[0].body, "base64://") || strings.Contains(reqs[1].body, "base64://") {
		t.Errorf("base64 CQ segment leaked into message text")
	}
	if reqs[1].contentType != "application/json" {
		t.Errorf("second request content type = %q, want application/json", reqs[1].contentType)
	}
	if !strings.Contains(reqs[1].body, "甲") {
		t.Errorf("remainder chunk missing from second request")
	}
}

func TestExtractBase64ImagesCapsAtTen(t *testing.T) {
	seg := "[CQ:image,file=base64://" + base64.StdEncoding.EncodeToString([]byte("x")) + "]"
	text, files := extractBase64Images(strings.Repeat(seg, 12) + "尾部")
	if len(files) != 10 {
		t.Errorf("files = %d, want 10", len(files))
	}
	if text != "尾部" {
		t.Errorf("cleaned text = %q", text)
	}
}
