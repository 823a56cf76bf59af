package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nbot-io/nbot/pkg/models"
)

// SelfID returns the bot's own platform user id. Lifecycle events and
// READY payloads populate the cache; OneBot bots that connected before
// their lifecycle event are resolved lazily via get_login_info.
func (h *Hub) SelfID(ctx context.Context, botID string) (string, error) {
	if id, ok := h.SelfIDs.Get(botID); ok && id != "" {
		return id, nil
	}
	resp, err := h.SendAPI(ctx, botID, "get_login_info", nil)
	if err != nil {
		return "", err
	}
	var info struct {
		UserID json.Number `json:"user_id"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return "", ErrUpstream("malformed get_login_info response", err)
	}
	id := info.UserID.String()
	if id == "" || id == "0" {
		return "", ErrUpstream("login info carries no user_id", nil)
	}
	h.SelfIDs.Put(botID, id)
	return id, nil
}

// GroupSendStatus reports whether the bot may currently speak in a
// group. Results are cached for sendStatusTTL, so bursts of sends cost
// at most one upstream check per window. OneBot groups go through
// get_group_member_info (own mute timestamp and role) and, for
// non-privileged roles, get_group_info for a whole-group mute. Discord
// mutes are only learned from permission errors on send, so Discord
// groups report allowed until a send fails.
func (h *Hub) GroupSendStatus(ctx context.Context, botID, groupID string) SendStatus {
	target := "g:" + groupID
	if status, ok := h.SendStatus.Fresh(botID, target); ok {
		return status
	}

	conn, ok := h.Connection(botID)
	if !ok {
		return SendUnknown
	}
	if conn.Platform() != models.PlatformQQ {
		h.SendStatus.Put(botID, target, SendOK)
		return SendOK
	}

	status := h.lookupGroupStatus(ctx, botID, groupID)
	h.SendStatus.Put(botID, target, status)
	return status
}

func (h *Hub) lookupGroupStatus(ctx context.Context, botID, groupID string) SendStatus {
	selfID, err := h.SelfID(ctx, botID)
	if err != nil {
		return SendUnknown
	}

	resp, err := h.SendAPI(ctx, botID, "get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  selfID,
		"no_cache": true,
	})
	if err != nil {
		return SendUnknown
	}
	var member struct {
		Role            string `json:"role"`
		ShutUpTimestamp int64  `json:"shut_up_timestamp"`
	}
	if err := json.Unmarshal(resp, &member); err != nil {
		return SendUnknown
	}
	if member.ShutUpTimestamp > time.Now().Unix() {
		return SendMuted
	}
	if models.PrivilegedRole(member.Role) {
		return SendOK
	}

	// Non-privileged members are silenced by a whole-group mute too.
	resp, err = h.SendAPI(ctx, botID, "get_group_info", map[string]any{
		"group_id": groupID,
		"no_cache": true,
	})
	if err != nil {
		return SendUnknown
	}
	var group struct {
		GroupAllShut int64 `json:"group_all_shut"`
	}
	if err := json.Unmarshal(resp, &group); err != nil {
		return SendUnknown
	}
	if group.GroupAllShut != 0 {
		return SendMuted
	}
	return SendOK
}

// groupIDOfTarget extracts the group id from a send target key.
func groupIDOfTarget(target string) (string, bool) {
	id, ok := strings.CutPrefix(target, "g:")
	return id, ok
}
