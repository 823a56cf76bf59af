package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

// Connection is one live transport session for a bot. QQ bots speak
// OneBot actions natively; the Discord session translates the same
// action vocabulary onto REST calls.
type Connection interface {
	BotID() string
	Platform() models.Platform
	SendAction(ctx context.Context, action string, params map[string]any) (json.RawMessage, error)
	Close() error
}

// Hub is the outbound send layer. It owns the live connections and the
// caches that keep sends idempotent and polite: dedup, send status, and
// the Discord reply index.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Connection

	Dedup      *MessageDedup
	SendStatus *SendStatusCache
	Index      *MessageIndex
	SelfIDs    *SelfIDCache

	store   *state.Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewHub creates a hub with empty caches.
func NewHub(store *state.Store, logger *observability.Logger) *Hub {
	return &Hub{
		conns:      make(map[string]Connection),
		Dedup:      NewMessageDedup(),
		SendStatus: NewSendStatusCache(),
		Index:      NewMessageIndex(),
		SelfIDs:    NewSelfIDCache(),
		store:      store,
		logger:     logger,
	}
}

// SetMetrics attaches the metrics collectors. Nil leaves metrics off.
func (h *Hub) SetMetrics(m *observability.Metrics) {
	h.metrics = m
}

// Register installs a live connection for a bot, closing any previous
// one.
func (h *Hub) Register(conn Connection) {
	h.mu.Lock()
	old := h.conns[conn.BotID()]
	h.conns[conn.BotID()] = conn
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	} else if h.metrics != nil {
		h.metrics.ConnectionOpened(string(conn.Platform()))
	}
}

// Unregister drops the connection for a bot if it is still the given
// one.
func (h *Hub) Unregister(conn Connection) {
	h.mu.Lock()
	dropped := false
	if h.conns[conn.BotID()] == conn {
		delete(h.conns, conn.BotID())
		dropped = true
	}
	h.mu.Unlock()
	if dropped && h.metrics != nil {
		h.metrics.ConnectionClosed(string(conn.Platform()))
	}
}

// Connection returns the live connection for a bot.
func (h *Hub) Connection(botID string) (Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[botID]
	return c, ok
}

// sendTarget extracts the conversation key an action is addressed to.
// Group targets are prefixed so a group id can never collide with a
// user id.
func sendTarget(params map[string]any) string {
	if g, ok := params["group_id"]; ok {
		return fmt.Sprintf("g:%v", g)
	}
	if u, ok := params["user_id"]; ok {
		return fmt.Sprintf("u:%v", u)
	}
	if ch, ok := params["channel_id"]; ok {
		return fmt.Sprintf("c:%v", ch)
	}
	return ""
}

// isSendAction reports whether an action delivers a user-visible
// message and therefore goes through dedup and mute checks.
func isSendAction(action string) bool {
	switch action {
	case "send_group_msg", "send_private_msg",
		"send_group_forward_msg", "send_private_forward_msg",
		"send_msg":
		return true
	}
	return false
}

// SendAPI performs one action on a bot's connection. Send actions are
// deduplicated within the dedup window and refused while the target
// conversation is known to be muted. Group sends with no fresh cached
// status ask the platform first; mute results discovered during the
// call itself are cached for subsequent sends.
func (h *Hub) SendAPI(ctx context.Context, botID, action string, params map[string]any) (json.RawMessage, error) {
	conn, ok := h.Connection(botID)
	if !ok {
		return nil, ErrNotConnected(botID)
	}

	platform := string(conn.Platform())
	if isSendAction(action) {
		target := sendTarget(params)
		if target != "" {
			status, fresh := h.SendStatus.Fresh(botID, target)
			if !fresh {
				if gid, ok := groupIDOfTarget(target); ok {
					status = h.GroupSendStatus(ctx, botID, gid)
				}
			}
			if status == SendMuted {
				h.countSend(platform, "muted")
				return nil, ErrMuted("conversation is muted").WithContext("target", target)
			}
			key := DedupKey(botID, target, params)
			if !h.Dedup.ShouldSend(key) {
				h.logger.Debug(ctx, "duplicate send suppressed", "action", action, "target", target)
				h.countSend(platform, "duplicate")
				return nil, NewError(ErrCodeDuplicate, "duplicate message suppressed", nil)
			}
		}
	}

	started := time.Now()
	resp, err := conn.SendAction(ctx, action, params)
	if h.metrics != nil {
		h.metrics.ObserveRPC(action, time.Since(started).Seconds())
	}
	if err != nil {
		if CodeOf(err) == ErrCodeMuted {
			if target := sendTarget(params); target != "" {
				h.SendStatus.Put(botID, target, SendMuted)
			}
			if isSendAction(action) {
				h.countSend(platform, "muted")
			}
		} else if isSendAction(action) {
			h.countSend(platform, "error")
		}
		return nil, err
	}
	if target := sendTarget(params); target != "" && isSendAction(action) {
		h.SendStatus.Put(botID, target, SendOK)
	}
	if isSendAction(action) {
		h.countSend(platform, "ok")
	}
	return resp, nil
}

func (h *Hub) countSend(platform, result string) {
	if h.metrics != nil {
		h.metrics.SendAttempt(platform, result)
	}
}

// hubNameResolver resolves display names over the bot's own
// connection: group card or nickname first, stranger nickname second.
type hubNameResolver struct {
	hub   *Hub
	botID string
}

func (r hubNameResolver) ResolveName(ctx context.Context, groupID, userID string) (string, bool) {
	if groupID != "" {
		resp, err := r.hub.SendAPI(ctx, r.botID, "get_group_member_info", map[string]any{
			"group_id": groupID,
			"user_id":  userID,
			"no_cache": false,
		})
		if err == nil {
			var info struct {
				Card     string `json:"card"`
				Nickname string `json:"nickname"`
			}
			if json.Unmarshal(resp, &info) == nil {
				if info.Card != "" {
					return info.Card, true
				}
				if info.Nickname != "" {
					return info.Nickname, true
				}
			}
		}
	}
	resp, err := r.hub.SendAPI(ctx, r.botID, "get_stranger_info", map[string]any{"user_id": userID})
	if err != nil {
		return "", false
	}
	var info struct {
		Nickname string `json:"nickname"`
	}
	if json.Unmarshal(resp, &info) != nil || info.Nickname == "" {
		return "", false
	}
	return info.Nickname, true
}

// NameResolver returns the id-to-name resolver backed by the bot's
// connection.
func (h *Hub) NameResolver(botID string) NameResolver {
	return hubNameResolver{hub: h, botID: botID}
}

// RedactForEvent applies privacy redaction to text in the event's
// conversation context, substituting display names for the ids the
// event mentions.
func (h *Hub) RedactForEvent(ctx context.Context, botID string, event models.Event, text string) string {
	return RedactSensitiveIDs(ctx, h.NameResolver(botID), eventGroupID(event), eventSensitiveIDs(event), text)
}

func eventGroupID(event models.Event) string {
	if gid := event.Uint("group_id"); gid > 0 {
		return strconv.FormatUint(gid, 10)
	}
	return event.Str("group_id")
}

// eventSensitiveIDs collects the ids the event puts in play: the sender
// and every at-mention target.
func eventSensitiveIDs(event models.Event) []string {
	var ids []string
	if uid := event.Uint("user_id"); uid > 0 {
		ids = append(ids, strconv.FormatUint(uid, 10))
	}
	for _, seg := range event.Segments() {
		if seg.Type == "at" {
			if qq := seg.Str("qq"); qq != "" && qq != "all" {
				ids = append(ids, qq)
			}
		}
	}
	return ids
}

// SendReply answers the conversation an event came from. Text replies
// are privacy-redacted before leaving the process.
func (h *Hub) SendReply(ctx context.Context, botID string, event models.Event, text string) error {
	text = h.RedactForEvent(ctx, botID, event, text)
	action, params, err := replyParams(event, text)
	if err != nil {
		return err
	}
	_, err = h.SendAPI(ctx, botID, action, params)
	if err != nil && CodeOf(err) == ErrCodeDuplicate {
		return nil
	}
	return err
}

// replyParams decides the send action and addressing for replying to an
// event.
func replyParams(event models.Event, text string) (string, map[string]any, error) {
	msgType := event.Str("message_type")
	switch msgType {
	case "group":
		gid := event.Uint("group_id")
		if gid == 0 {
			return "", nil, NewError(ErrCodeInvalidInput, "group event missing group_id", nil)
		}
		return "send_group_msg", map[string]any{
			"group_id": gid,
			"message":  text,
		}, nil
	case "private":
		uid := event.Uint("user_id")
		if uid == 0 {
			return "", nil, NewError(ErrCodeInvalidInput, "private event missing user_id", nil)
		}
		return "send_private_msg", map[string]any{
			"user_id": uid,
			"message": text,
		}, nil
	default:
		return "", nil, NewError(ErrCodeInvalidInput,
			fmt.Sprintf("cannot reply to message_type %q", msgType), nil)
	}
}

// SendForward sends a forward message built from prepared nodes. Node
// text content is privacy-redacted; media segments pass through intact.
func (h *Hub) SendForward(ctx context.Context, botID string, event models.Event, nodes []map[string]any) error {
	for _, node := range nodes {
		data, _ := node["data"].(map[string]any)
		if data == nil {
			continue
		}
		if content, ok := data["content"].(string); ok {
			data["content"] = h.RedactForEvent(ctx, botID, event, content)
		}
	}

	var (
		action string
		params map[string]any
	)
	switch event.Str("message_type") {
	case "group":
		action = "send_group_forward_msg"
		params = map[string]any{"group_id": event.Uint("group_id"), "messages": nodes}
	case "private":
		action = "send_private_forward_msg"
		params = map[string]any{"user_id": event.Uint("user_id"), "messages": nodes}
	default:
		return NewError(ErrCodeInvalidInput, "forward target must be group or private", nil)
	}

	_, err := h.SendAPI(ctx, botID, action, params)
	if err != nil && CodeOf(err) == ErrCodeDuplicate {
		return nil
	}
	return err
}

// ApplyOutputs executes plugin outputs against the hub: replies, raw
// API calls, and log lines. LLM and group info requests are returned to
// the caller for asynchronous handling.
func (h *Hub) ApplyOutputs(ctx context.Context, botID string, event models.Event, outputs []models.PluginOutputWithSource) []models.PluginOutputWithSource {
	var deferred []models.PluginOutputWithSource
	for _, out := range outputs {
		switch out.Output.Kind {
		case models.OutputReply:
			if strings.TrimSpace(out.Output.Text) == "" {
				continue
			}
			if err := h.SendReply(ctx, botID, event, out.Output.Text); err != nil {
				h.logger.Warn(ctx, "plugin reply failed",
					"plugin", out.PluginID, "error", err)
			}
		case models.OutputAPICall:
			if _, err := h.SendAPI(ctx, botID, out.Output.Action, out.Output.Params); err != nil {
				var re *Error
				if errors.As(err, &re) && re.Code == ErrCodeDuplicate {
					continue
				}
				h.logger.Warn(ctx, "plugin api call failed",
					"plugin", out.PluginID, "action", out.Output.Action, "error", err)
			}
		case models.OutputForward:
			if len(out.Output.Nodes) == 0 {
				continue
			}
			if err := h.SendForward(ctx, botID, event, out.Output.Nodes); err != nil {
				h.logger.Warn(ctx, "plugin forward failed",
					"plugin", out.PluginID, "error", err)
			}
		case models.OutputLog:
			h.logger.Info(ctx, "plugin log",
				"plugin", out.PluginID, "level", out.Output.Level, "message", out.Output.Message)
		case models.OutputUpdateConfig, models.OutputLLMRequest, models.OutputLLMForward,
			models.OutputGroupInfoReq, models.OutputDownloadFile:
			deferred = append(deferred, out)
		}
	}
	return deferred
}
