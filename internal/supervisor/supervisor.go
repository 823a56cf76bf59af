// Package supervisor reconciles desired bot state against live
// connections: bots marked running get a transport session, stopped
// bots get theirs torn down.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/runtime/discordgw"
	"github.com/nbot-io/nbot/internal/runtime/discordrest"
	"github.com/nbot-io/nbot/internal/runtime/onebot"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

// reconcileInterval is how often desired state is compared to live
// connections.
const reconcileInterval = 2 * time.Second

// EventHandler consumes normalized inbound events.
type EventHandler func(ctx context.Context, botID string, event models.Event)

// Supervisor owns the lifecycle of every bot connection.
type Supervisor struct {
	store   *state.Store
	hub     *runtime.Hub
	docker  *container.Client
	discord config.DiscordConfig
	handler EventHandler
	ticker  onebot.MetaTicker
	logger  *observability.Logger

	mu      sync.Mutex
	running map[string]*session
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor. docker may be nil when no container
// runtime is available; QQ bots then only connect to already reachable
// endpoints.
func New(
	store *state.Store,
	hub *runtime.Hub,
	docker *container.Client,
	discord config.DiscordConfig,
	handler EventHandler,
	ticker onebot.MetaTicker,
	logger *observability.Logger,
) *Supervisor {
	return &Supervisor{
		store:   store,
		hub:     hub,
		docker:  docker,
		discord: discord,
		handler: handler,
		ticker:  ticker,
		logger:  logger,
		running: make(map[string]*session),
	}
}

// Run reconciles until the context ends, then tears every session down.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	desired := make(map[string]models.BotInstance)
	for _, bot := range s.store.Bots() {
		if bot.IsRunning {
			desired[bot.ID] = bot
		}
	}

	s.mu.Lock()
	var toStop []string
	for id := range s.running {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	var toStart []models.BotInstance
	for id, bot := range desired {
		if _, ok := s.running[id]; !ok {
			toStart = append(toStart, bot)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		s.stop(id)
	}
	for _, bot := range toStart {
		s.start(ctx, bot)
	}
}

func (s *Supervisor) start(ctx context.Context, bot models.BotInstance) {
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, exists := s.running[bot.ID]; exists {
		s.mu.Unlock()
		cancel()
		return
	}
	s.running[bot.ID] = sess
	s.mu.Unlock()

	go func() {
		defer close(sess.done)
		defer s.forget(bot.ID)

		switch bot.Platform {
		case models.PlatformQQ:
			s.runOneBot(sessCtx, bot)
		case models.PlatformDiscord:
			s.runDiscord(sessCtx, bot)
		default:
			s.logger.Warn(sessCtx, "unknown bot platform",
				"bot_id", bot.ID, "platform", string(bot.Platform))
		}
	}()
}

// runOneBot dials the bot's NapCat WebSocket and pumps it until the
// session context ends, redialing with a fixed pause on failure. The
// login monitor owns container and credential recovery.
func (s *Supervisor) runOneBot(ctx context.Context, bot models.BotInstance) {
	if s.docker != nil && bot.ContainerID != "" {
		if err := s.docker.Start(ctx, bot.ID); err != nil {
			s.logger.Debug(ctx, "container start failed", "bot_id", bot.ID, "error", err)
		} else if _, err := s.docker.PublishedPort(ctx, container.ContainerName(bot.ID), 3001); err != nil {
			s.logger.Debug(ctx, "websocket port not published yet", "bot_id", bot.ID, "error", err)
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		current, ok := s.store.Bot(bot.ID)
		if !ok || !current.IsRunning {
			return
		}

		client, err := onebot.Dial(ctx, current, onebot.EventHandler(s.handler), s.ticker, s.logger)
		if err != nil {
			s.logger.Debug(ctx, "onebot dial failed", "bot_id", bot.ID, "error", err)
			if !sleepCtx(ctx, reconcileInterval) {
				return
			}
			continue
		}

		s.hub.Register(client)
		err = client.Run(ctx)
		s.hub.Unregister(client)
		s.store.SetConnected(bot.ID, false)
		if err != nil {
			s.logger.Warn(ctx, "onebot session ended", "bot_id", bot.ID, "error", err)
		}
		if !sleepCtx(ctx, reconcileInterval) {
			return
		}
	}
}

// runDiscord holds one gateway session. The session reconnects
// internally; when Run returns the session is finished.
func (s *Supervisor) runDiscord(ctx context.Context, bot models.BotInstance) {
	rest := discordrest.NewClient(s.discord, bot.DiscordToken, s.logger)
	sess := discordgw.NewSession(bot, s.discord, rest, s.hub.Index, discordgw.EventHandler(s.handler), s.logger)

	s.hub.Register(sess)
	err := sess.Run(ctx)
	s.hub.Unregister(sess)
	s.store.SetConnected(bot.ID, false)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn(ctx, "discord session ended", "bot_id", bot.ID, "error", err)
	}
}

func (s *Supervisor) stop(id string) {
	s.mu.Lock()
	sess, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	<-sess.done
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.running))
	for _, sess := range s.running {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		<-sess.done
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
