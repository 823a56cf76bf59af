// Package onebot implements the OneBot v11 forward WebSocket transport
// used by NapCat side-cars.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/pkg/models"
)

// smartAssistTickInterval drives the internal meta tick delivered to
// the smart-assist plugin while the connection is up.
const smartAssistTickInterval = time.Second

// smartAssistPluginID receives the internal tick.
const smartAssistPluginID = "smart-assist"

// eventQueueSize buffers inbound events between the read loop and the
// dispatch goroutine.
const eventQueueSize = 256

// EventHandler consumes normalized inbound events.
type EventHandler func(ctx context.Context, botID string, event models.Event)

// MetaTicker delivers the internal tick to a single plugin.
type MetaTicker interface {
	OnMetaEventFor(ctx context.Context, pluginID string, hookCtx map[string]any) ([]models.PluginOutputWithSource, error)
}

// Client is one live OneBot WebSocket session.
type Client struct {
	bot     models.BotInstance
	conn    *websocket.Conn
	writeMu sync.Mutex
	rpc     *runtime.PendingRPC
	handler EventHandler
	ticker  MetaTicker
	logger  *observability.Logger

	events chan models.Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the bot's NapCat WebSocket endpoint. The access
// token is passed both as a header and a query parameter since NapCat
// versions differ in which one they honor.
func Dial(ctx context.Context, bot models.BotInstance, handler EventHandler, ticker MetaTicker, logger *observability.Logger) (*Client, error) {
	url := fmt.Sprintf("ws://%s:%d", bot.WSHost, bot.WSPort)
	header := http.Header{}
	if bot.WSToken != "" {
		header.Set("Authorization", "Bearer "+bot.WSToken)
		url = fmt.Sprintf("%s/?access_token=%s", url, bot.WSToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, runtime.ErrConnection("onebot dial failed", err).WithContext("bot_id", bot.ID)
	}

	return &Client{
		bot:     bot,
		conn:    conn,
		rpc:     runtime.NewPendingRPC(),
		handler: handler,
		ticker:  ticker,
		logger:  logger,
		events:  make(chan models.Event, eventQueueSize),
		closed:  make(chan struct{}),
	}, nil
}

// BotID implements runtime.Connection.
func (c *Client) BotID() string { return c.bot.ID }

// Platform implements runtime.Connection.
func (c *Client) Platform() models.Platform { return models.PlatformQQ }

// Close tears down the socket. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Run reads frames until the socket fails or ctx ends. Inbound frames
// carrying an echo resolve pending action calls; everything else is a
// platform event queued for the dispatch goroutine. The read loop never
// runs handlers itself, so an action call issued from inside a handler
// still gets its echo resolved.
func (c *Client) Run(ctx context.Context) error {
	go c.tickLoop(ctx)
	go c.dispatchLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closed:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return runtime.ErrConnection("onebot read failed", err).WithContext("bot_id", c.bot.ID)
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn(ctx, "dropping malformed onebot frame", "error", err)
			continue
		}

		if echo, ok := frame["echo"].(string); ok && echo != "" {
			if !c.rpc.Resolve(echo, json.RawMessage(data)) {
				c.logger.Debug(ctx, "late action response dropped", "echo", echo)
			}
			continue
		}

		if c.handler != nil {
			c.enqueue(ctx, models.Event(frame))
		}
	}
}

// enqueue hands an event to the dispatch goroutine. When the queue is
// saturated the event runs on its own goroutine instead; per-connection
// ordering is lost for that event but the read loop stays unblocked.
func (c *Client) enqueue(ctx context.Context, event models.Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn(ctx, "event queue full, dispatching out of order", "bot_id", c.bot.ID)
		go c.handler(ctx, c.bot.ID, event)
	}
}

// dispatchLoop runs handlers one event at a time off the read loop.
func (c *Client) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case event := <-c.events:
			c.handler(ctx, c.bot.ID, event)
		}
	}
}

// tickLoop delivers a once-a-second internal meta event to the
// smart-assist plugin for scheduled work.
func (c *Client) tickLoop(ctx context.Context) {
	if c.ticker == nil {
		return
	}
	t := time.NewTicker(smartAssistTickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case now := <-t.C:
			hookCtx := map[string]any{
				"bot_id": c.bot.ID,
				"event": map[string]any{
					"post_type":       "meta_event",
					"meta_event_type": "internal_tick",
					"time":            now.Unix(),
				},
			}
			if _, err := c.ticker.OnMetaEventFor(ctx, smartAssistPluginID, hookCtx); err != nil {
				c.logger.Debug(ctx, "internal tick failed", "error", err)
			}
		}
	}
}

// actionResponse is the OneBot action reply envelope.
type actionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

// SendAction performs one OneBot action and waits for its response.
func (c *Client) SendAction(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	echo := runtime.NewEcho(action)
	waiter := c.rpc.Register(echo)

	frame := map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		c.rpc.Cancel(echo)
		return nil, runtime.NewError(runtime.ErrCodeInvalidInput, "marshal action failed", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.rpc.Cancel(echo)
		return nil, runtime.ErrConnection("onebot write failed", err).WithContext("action", action)
	}

	raw, err := c.rpc.Await(echo, waiter)
	if err != nil {
		return nil, err
	}

	var resp actionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, runtime.ErrUpstream("malformed action response", err)
	}
	switch resp.Status {
	case "ok", "async":
		return resp.Data, nil
	}

	msg := resp.Wording
	if msg == "" {
		msg = resp.Message
	}
	err = runtime.ErrUpstream(fmt.Sprintf("action %s failed: %s", action, msg), nil).
		WithContext("retcode", resp.Retcode)
	return nil, err
}
