package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

type fakeConn struct {
	mu      sync.Mutex
	botID   string
	calls   []fakeCall
	respond func(action string, params map[string]any) (json.RawMessage, error)
}

type fakeCall struct {
	Action string
	Params map[string]any
}

func (f *fakeConn) BotID() string             { return f.botID }
func (f *fakeConn) Platform() models.Platform { return models.PlatformQQ }
func (f *fakeConn) Close() error              { return nil }

func (f *fakeConn) SendAction(_ context.Context, action string, params map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Action: action, Params: params})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(action, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestHub(t *testing.T) (*Hub, *fakeConn) {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	hub := NewHub(state.NewStore(), logger)
	conn := &fakeConn{botID: "qq_1"}
	hub.Register(conn)
	return hub, conn
}

func groupEvent(groupID, userID float64) models.Event {
	return models.Event{
		"post_type":    "message",
		"message_type": "group",
		"group_id":     groupID,
		"user_id":      userID,
		"raw_message":  "hello",
	}
}

func TestSendReplyRedactsAndAddresses(t *testing.T) {
	hub, conn := newTestHub(t)

	err := hub.SendReply(context.Background(), "qq_1", groupEvent(42, 7), "ping @123456789")
	require.NoError(t, err)
	last := conn.calls[conn.callCount()-1]
	require.Equal(t, "send_group_msg", last.Action)
	require.Equal(t, uint64(42), last.Params["group_id"])
	require.Equal(t, "ping @用户", last.Params["message"])
}

func TestSendReplyDuplicateSuppressed(t *testing.T) {
	hub, conn := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, hub.SendReply(ctx, "qq_1", groupEvent(42, 7), "same"))
	sent := conn.callCount()
	// Identical payload inside the window: dropped without error.
	require.NoError(t, hub.SendReply(ctx, "qq_1", groupEvent(42, 7), "same"))
	require.Equal(t, sent, conn.callCount())

	require.NoError(t, hub.SendReply(ctx, "qq_1", groupEvent(42, 7), "different"))
	require.Equal(t, sent+1, conn.callCount())
}

func TestSendAPIMuteCached(t *testing.T) {
	hub, conn := newTestHub(t)
	conn.respond = func(action string, _ map[string]any) (json.RawMessage, error) {
		return nil, ErrMuted("no permission")
	}
	ctx := context.Background()

	_, err := hub.SendAPI(ctx, "qq_1", "send_group_msg", map[string]any{"group_id": 42, "message": "a"})
	require.Equal(t, ErrCodeMuted, CodeOf(err))
	seen := conn.callCount()

	// Second send hits the cache, never the connection.
	_, err = hub.SendAPI(ctx, "qq_1", "send_group_msg", map[string]any{"group_id": 42, "message": "b"})
	require.Equal(t, ErrCodeMuted, CodeOf(err))
	require.Equal(t, seen, conn.callCount())
}

func TestSendAPINotConnected(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	hub := NewHub(state.NewStore(), logger)
	_, err := hub.SendAPI(context.Background(), "ghost", "get_msg", nil)
	require.Equal(t, ErrCodeNotConnected, CodeOf(err))
}

func TestSendForwardRedactsNodeText(t *testing.T) {
	hub, conn := newTestHub(t)
	nodes := []map[string]any{
		{"type": "node", "data": map[string]any{"name": "bot", "uin": "10000", "content": "report for @123456789"}},
		{"type": "node", "data": map[string]any{"name": "bot", "uin": "10000", "content": "[CQ:image,file=base64://abc]"}},
	}

	require.NoError(t, hub.SendForward(context.Background(), "qq_1", groupEvent(42, 7), nodes))
	last := conn.calls[conn.callCount()-1]
	require.Equal(t, "send_group_forward_msg", last.Action)

	sent := last.Params["messages"].([]map[string]any)
	require.Equal(t, "report for @用户", sent[0]["data"].(map[string]any)["content"])
	require.Equal(t, "[CQ:image,file=base64://abc]", sent[1]["data"].(map[string]any)["content"])
}

func TestApplyOutputsDefersLLMRequests(t *testing.T) {
	hub, conn := newTestHub(t)
	outputs := []models.PluginOutputWithSource{
		{PluginID: "p", Output: models.PluginOutput{Kind: models.OutputReply, Text: "hi"}},
		{PluginID: "p", Output: models.PluginOutput{Kind: models.OutputLLMRequest, RequestID: "r1", Prompt: "q"}},
		{PluginID: "p", Output: models.PluginOutput{Kind: models.OutputLog, Level: "info", Message: "m"}},
	}

	deferred := hub.ApplyOutputs(context.Background(), "qq_1", groupEvent(42, 7), outputs)
	require.Len(t, deferred, 1)
	require.Equal(t, models.OutputLLMRequest, deferred[0].Output.Kind)
	last := conn.calls[conn.callCount()-1]
	require.Equal(t, "send_group_msg", last.Action)
}

func TestSendReplySubstitutesMemberNames(t *testing.T) {
	hub, conn := newTestHub(t)
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		if action == "get_group_member_info" {
			require.Equal(t, "42", params["group_id"])
			require.Equal(t, "123456789", params["user_id"])
			return json.RawMessage(`{"card":"老张","nickname":"张三"}`), nil
		}
		return json.RawMessage(`{}`), nil
	}

	err := hub.SendReply(context.Background(), "qq_1", groupEvent(42, 7), "已将 123456789 移出本群")
	require.NoError(t, err)

	last := conn.calls[conn.callCount()-1]
	require.Equal(t, "send_group_msg", last.Action)
	require.Equal(t, "已将 老张 移出本群", last.Params["message"])
}

func TestSendReplyMasksIDWhenLookupFails(t *testing.T) {
	hub, conn := newTestHub(t)
	conn.respond = func(action string, _ map[string]any) (json.RawMessage, error) {
		switch action {
		case "get_group_member_info", "get_stranger_info":
			return nil, ErrUpstream("not in group", nil)
		}
		return json.RawMessage(`{}`), nil
	}

	err := hub.SendReply(context.Background(), "qq_1", groupEvent(42, 7), "已将 123456789 移出本群")
	require.NoError(t, err)

	last := conn.calls[conn.callCount()-1]
	require.Equal(t, "send_group_msg", last.Action)
	require.Equal(t, "已将 成员 移出本群", last.Params["message"])
}

func TestGroupSendStatusDetectsSelfMute(t *testing.T) {
	hub, conn := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")
	conn.respond = func(action string, params map[string]any) (json.RawMessage, error) {
		require.Equal(t, "get_group_member_info", action)
		require.Equal(t, "10001", params["user_id"])
		body := fmt.Sprintf(`{"role":"member","shut_up_timestamp":%d}`, time.Now().Unix()+600)
		return json.RawMessage(body), nil
	}
	ctx := context.Background()

	_, err := hub.SendAPI(ctx, "qq_1", "send_group_msg", map[string]any{"group_id": 42, "message": "a"})
	require.Equal(t, ErrCodeMuted, CodeOf(err))
	require.Equal(t, 1, conn.callCount())

	// Within the cache window the verdict is reused, no second upstream lookup.
	_, err = hub.SendAPI(ctx, "qq_1", "send_group_msg", map[string]any{"group_id": 42, "message": "b"})
	require.Equal(t, ErrCodeMuted, CodeOf(err))
	require.Equal(t, 1, conn.callCount())
}

func TestGroupSendStatusWholeGroupMute(t *testing.T) {
	hub, conn := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")
	conn.respond = func(action string, _ map[string]any) (json.RawMessage, error) {
		switch action {
		case "get_group_member_info":
			return json.RawMessage(`{"role":"member","shut_up_timestamp":0}`), nil
		case "get_group_info":
			return json.RawMessage(`{"group_all_shut":-1}`), nil
		}
		t.Fatalf("unexpected action %s", action)
		return nil, nil
	}

	_, err := hub.SendAPI(context.Background(), "qq_1", "send_group_msg",
		map[string]any{"group_id": 42, "message": "a"})
	require.Equal(t, ErrCodeMuted, CodeOf(err))
	require.Equal(t, 2, conn.callCount())
	require.Equal(t, "get_group_info", conn.calls[1].Action)
}

func TestGroupSendStatusPrivilegedRoleSkipsGroupInfo(t *testing.T) {
	hub, conn := newTestHub(t)
	hub.SelfIDs.Put("qq_1", "10001")
	conn.respond = func(action string, _ map[string]any) (json.RawMessage, error) {
		if action == "get_group_member_info" {
			return json.RawMessage(`{"role":"admin","shut_up_timestamp":0}`), nil
		}
		require.NotEqual(t, "get_group_info", action)
		return json.RawMessage(`{}`), nil
	}

	_, err := hub.SendAPI(context.Background(), "qq_1", "send_group_msg",
		map[string]any{"group_id": 42, "message": "a"})
	require.NoError(t, err)
	require.Equal(t, 2, conn.callCount())
	require.Equal(t, "send_group_msg", conn.calls[1].Action)
}
