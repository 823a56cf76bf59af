package runtime

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// dedupTTL is how long an identical outbound message blocks repeats.
const dedupTTL = 5 * time.Second

// sendStatusTTL caches per-conversation send permission checks.
const sendStatusTTL = 3 * time.Second

// discordIndexCap bounds the message id to channel id index.
const discordIndexCap = 2048

// MessageDedup suppresses identical outbound messages within a short
// window. The first send wins; repeats inside the TTL are dropped.
type MessageDedup struct {
	mu   sync.Mutex
	seen map[uint64]time.Time
	now  func() time.Time
}

// NewMessageDedup creates an empty dedup window.
func NewMessageDedup() *MessageDedup {
	return &MessageDedup{seen: make(map[uint64]time.Time), now: time.Now}
}

// canonicalJSON renders v with sorted object keys so logically equal
// payloads hash equally.
func canonicalJSON(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b []byte
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			kb, _ := json.Marshal(k)
			b = append(b, kb...)
			b = append(b, ':')
			b = append(b, canonicalJSON(t[k])...)
		}
		return append(b, '}')
	case []any:
		var b []byte
		b = append(b, '[')
		for i, e := range t {
			if i > 0 {
				b = append(b, ',')
			}
			b = append(b, canonicalJSON(e)...)
		}
		return append(b, ']')
	default:
		b, _ := json.Marshal(t)
		return b
	}
}

// DedupKey hashes a send destination plus payload.
func DedupKey(botID, target string, payload any) uint64 {
	h := fnv.New64a()
	h.Write([]byte(botID))
	h.Write([]byte{0})
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write(canonicalJSON(payload))
	return h.Sum64()
}

// ShouldSend records the key and reports whether this send is the first
// within the TTL. Expired entries are purged lazily on each call.
func (d *MessageDedup) ShouldSend(key uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) > dedupTTL {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = now
	return true
}

// SendStatus is the cached result of a can-we-speak check for one
// conversation.
type SendStatus int

const (
	// SendOK means the bot may send to the conversation.
	SendOK SendStatus = iota
	// SendMuted means the bot is muted or lacks send permission.
	SendMuted
	// SendUnknown means no fresh check result is cached.
	SendUnknown
)

// SendStatusCache remembers recent mute/permission checks so bursts of
// replies do not re-query the platform.
type SendStatusCache struct {
	mu      sync.Mutex
	entries map[string]sendStatusEntry
	now     func() time.Time
}

type sendStatusEntry struct {
	status SendStatus
	at     time.Time
}

// NewSendStatusCache creates an empty cache.
func NewSendStatusCache() *SendStatusCache {
	return &SendStatusCache{entries: make(map[string]sendStatusEntry), now: time.Now}
}

func sendStatusKey(botID, target string) string {
	return botID + "\x00" + target
}

// Get returns the cached status for a conversation, or SendUnknown when
// the entry is missing or stale.
func (c *SendStatusCache) Get(botID, target string) SendStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sendStatusKey(botID, target)]
	if !ok || c.now().Sub(e.at) > sendStatusTTL {
		return SendUnknown
	}
	return e.status
}

// Fresh returns the cached status and whether the entry is still
// within TTL. Unlike Get it can report a cached SendUnknown, which
// keeps a failed lookup from repeating on every send.
func (c *SendStatusCache) Fresh(botID, target string) (SendStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sendStatusKey(botID, target)]
	if !ok || c.now().Sub(e.at) > sendStatusTTL {
		return SendUnknown, false
	}
	return e.status, true
}

// Put records a fresh check result.
func (c *SendStatusCache) Put(botID, target string, status SendStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sendStatusKey(botID, target)] = sendStatusEntry{status: status, at: c.now()}
}

// MessageIndex maps recent Discord message ids to the channel they were
// seen in, so reply references can be resolved without a REST lookup.
// It holds at most discordIndexCap entries, evicting oldest first.
type MessageIndex struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string
}

// NewMessageIndex creates an empty index.
func NewMessageIndex() *MessageIndex {
	return &MessageIndex{entries: make(map[string]string)}
}

// Put records a message id in a channel.
func (idx *MessageIndex) Put(messageID, channelID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.entries[messageID]; !exists {
		idx.order = append(idx.order, messageID)
	}
	idx.entries[messageID] = channelID
	for len(idx.order) > discordIndexCap {
		oldest := idx.order[0]
		idx.order = idx.order[1:]
		delete(idx.entries, oldest)
	}
}

// Channel resolves the channel a message id was last seen in.
func (idx *MessageIndex) Channel(messageID string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ch, ok := idx.entries[messageID]
	return ch, ok
}

// rpcTimeout bounds how long a caller waits for an action response.
const rpcTimeout = 15 * time.Second

// PendingRPC matches OneBot action responses back to their callers via
// the echo field.
type PendingRPC struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

// NewPendingRPC creates an empty table.
func NewPendingRPC() *PendingRPC {
	return &PendingRPC{waiters: make(map[string]chan json.RawMessage)}
}

// NewEcho builds a unique echo token for an action call.
func NewEcho(action string) string {
	return fmt.Sprintf("%s_%d", action, time.Now().UnixNano())
}

// Register creates a waiter for an echo. The caller must either receive
// from the channel or call Cancel.
func (p *PendingRPC) Register(echo string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.waiters[echo] = ch
	p.mu.Unlock()
	return ch
}

// Cancel drops a waiter without delivering a response.
func (p *PendingRPC) Cancel(echo string) {
	p.mu.Lock()
	delete(p.waiters, echo)
	p.mu.Unlock()
}

// Resolve delivers a response to the waiter for echo, if any.
func (p *PendingRPC) Resolve(echo string, payload json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.waiters[echo]
	if ok {
		delete(p.waiters, echo)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// Await blocks for a response or the RPC timeout.
func (p *PendingRPC) Await(echo string, ch <-chan json.RawMessage) (json.RawMessage, error) {
	select {
	case payload := <-ch:
		return payload, nil
	case <-time.After(rpcTimeout):
		p.Cancel(echo)
		return nil, ErrTimeout("action response timed out", nil).WithContext("echo", echo)
	}
}

// SelfIDCache remembers each bot's own platform user id, learned from
// lifecycle events and READY payloads.
type SelfIDCache struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewSelfIDCache creates an empty cache.
func NewSelfIDCache() *SelfIDCache {
	return &SelfIDCache{ids: make(map[string]string)}
}

// Put stores a bot's self id.
func (c *SelfIDCache) Put(botID, selfID string) {
	c.mu.Lock()
	c.ids[botID] = selfID
	c.mu.Unlock()
}

// Get returns a bot's self id if known.
func (c *SelfIDCache) Get(botID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[botID]
	return id, ok
}
