// Package discordgw maintains a raw Discord Gateway v10 session:
// identify, resume, heartbeating, and translation of dispatch events
// into the runtime's normalized event shape.
package discordgw

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/runtime/discordrest"
	"github.com/nbot-io/nbot/pkg/models"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// gatewayIntents subscribes to guild metadata, guild and direct
// messages, and message content.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second
)

// EventHandler consumes normalized inbound events.
type EventHandler func(ctx context.Context, botID string, event models.Event)

// Session is one supervised gateway connection for a Discord bot. Run
// keeps the session alive across reconnects until its context ends.
type Session struct {
	bot     models.BotInstance
	cfg     config.DiscordConfig
	rest    *discordrest.Client
	index   *runtime.MessageIndex
	handler EventHandler
	logger  *observability.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	sessionID string
	resumeURL string
	seq       int64
	ready     bool
	selfID    string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a gateway session. Call Run to connect.
func NewSession(bot models.BotInstance, cfg config.DiscordConfig, rest *discordrest.Client, index *runtime.MessageIndex, handler EventHandler, logger *observability.Logger) *Session {
	return &Session{
		bot:     bot,
		cfg:     cfg,
		rest:    rest,
		index:   index,
		handler: handler,
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// BotID implements runtime.Connection.
func (s *Session) BotID() string { return s.bot.ID }

// Platform implements runtime.Connection.
func (s *Session) Platform() models.Platform { return models.PlatformDiscord }

// SelfID returns the bot user id learned from READY.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// Close stops the session permanently.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// SendAction implements runtime.Connection by translating the OneBot
// action vocabulary onto REST calls.
func (s *Session) SendAction(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	return translateAction(ctx, s.rest, s.index, action, params)
}

// Run connects and reconnects the gateway with exponential backoff
// until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	backoff := reconnectBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		start := time.Now()
		err := s.runOnce(ctx)
		if err != nil {
			s.logger.Warn(ctx, "gateway session ended", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = reconnectBackoffMin
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

func (s *Session) gatewayURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeURL != "" && s.sessionID != "" {
		return s.resumeURL
	}
	return s.cfg.GatewayURL
}

// runOnce runs one connection lifetime: dial, hello, identify or
// resume, then the read loop.
func (s *Session) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.gatewayURL(), nil)
	if err != nil {
		return runtime.ErrConnection("gateway dial failed", err).WithContext("bot_id", s.bot.ID)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer conn.Close()

	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()

	// First frame must be HELLO.
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return runtime.ErrConnection("gateway hello read failed", err)
	}
	if hello.Op != opHello {
		return runtime.ErrUpstream("expected hello opcode", nil).WithContext("op", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		return runtime.ErrUpstream("malformed hello payload", err)
	}
	interval := time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, interval)

	if err := s.identifyOrResume(); err != nil {
		return err
	}

	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return runtime.ErrConnection("gateway read failed", err)
		}
		if done := s.handlePayload(ctx, p); done {
			return nil
		}
	}
}

func (s *Session) identifyOrResume() error {
	s.mu.Lock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.Unlock()

	if sessionID != "" {
		return s.writeJSON(map[string]any{
			"op": opResume,
			"d": map[string]any{
				"token":      s.bot.DiscordToken,
				"session_id": sessionID,
				"seq":        seq,
			},
		})
	}
	return s.writeJSON(map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   s.bot.DiscordToken,
			"intents": gatewayIntents,
			"properties": map[string]any{
				"os":      "linux",
				"browser": "nbot",
				"device":  "nbot",
			},
		},
	})
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return runtime.ErrConnection("gateway not connected", nil)
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return runtime.ErrConnection("gateway write failed", err)
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	// First beat after a random fraction of the interval, per the
	// gateway contract.
	first := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}
	for {
		s.mu.Lock()
		seq := s.seq
		s.mu.Unlock()
		if err := s.writeJSON(map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// handlePayload processes one gateway frame. It returns true when the
// connection should be dropped for a reconnect.
func (s *Session) handlePayload(ctx context.Context, p payload) bool {
	if p.S != nil {
		s.mu.Lock()
		s.seq = *p.S
		s.mu.Unlock()
	}

	switch p.Op {
	case opDispatch:
		s.handleDispatch(ctx, p)
	case opHeartbeat:
		s.mu.Lock()
		seq := s.seq
		s.mu.Unlock()
		_ = s.writeJSON(map[string]any{"op": opHeartbeat, "d": seq})
	case opReconnect:
		s.logger.Info(ctx, "gateway requested reconnect")
		return true
	case opInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.D, &resumable)
		if !resumable {
			s.mu.Lock()
			s.sessionID = ""
			s.resumeURL = ""
			s.seq = 0
			s.mu.Unlock()
		}
		// The gateway asks for a short pause before re-identifying.
		time.Sleep(time.Duration(1+rand.Intn(4)) * time.Second)
		return true
	case opHeartbeatACK:
		// nothing to do
	}
	return false
}

func (s *Session) handleDispatch(ctx context.Context, p payload) {
	switch p.T {
	case "READY":
		var ready struct {
			SessionID        string `json:"session_id"`
			ResumeGatewayURL string `json:"resume_gateway_url"`
			User             struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := json.Unmarshal(p.D, &ready); err != nil {
			s.logger.Warn(ctx, "malformed READY payload", "error", err)
			return
		}
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.selfID = ready.User.ID
		s.ready = true
		s.mu.Unlock()
		s.logger.Info(ctx, "gateway ready", "session_id", ready.SessionID)

		if s.handler != nil {
			s.handler(ctx, s.bot.ID, models.Event{
				"post_type":       "meta_event",
				"meta_event_type": "lifecycle",
				"sub_type":        "connect",
				"self_id":         ready.User.ID,
			})
		}
	case "RESUMED":
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.logger.Info(ctx, "gateway session resumed")
	case "MESSAGE_CREATE":
		s.mu.Lock()
		ready := s.ready
		selfID := s.selfID
		s.mu.Unlock()
		// Frames can arrive while identify is still settling; without
		// READY there is no self id to filter echoes with.
		if !ready {
			return
		}
		event, ok := translateMessageCreate(p.D, selfID, s.index)
		if !ok {
			return
		}
		if s.handler != nil {
			s.handler(ctx, s.bot.ID, event)
		}
	}
}
