package onebot

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/pkg/models"
)

// napcatStub answers every action frame with an ok echo and pushes the
// given events on connect.
func napcatStub(t *testing.T, events []map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			echo, _ := frame["echo"].(string)
			if echo == "" {
				continue
			}
			reply := map[string]any{"status": "ok", "retcode": 0, "data": map[string]any{}, "echo": echo}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
}

func dialStub(t *testing.T, srv *httptest.Server, handler EventHandler) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	cli, err := Dial(context.Background(), models.BotInstance{ID: "qq_t", WSHost: host, WSPort: port}, handler, nil, logger)
	require.NoError(t, err)
	return cli
}

func TestActionFromEventHandlerDoesNotBlockReadLoop(t *testing.T) {
	srv := napcatStub(t, []map[string]any{
		{"post_type": "message", "message_type": "private", "user_id": "10001", "raw_message": "ping"},
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cli *Client
	ready := make(chan struct{})
	done := make(chan error, 1)
	handler := func(ctx context.Context, botID string, event models.Event) {
		<-ready
		_, err := cli.SendAction(ctx, "send_private_msg", map[string]any{
			"user_id": "10001", "message": "pong",
		})
		done <- err
	}

	cli = dialStub(t, srv, handler)
	defer cli.Close()
	close(ready)
	go func() { _ = cli.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("action issued from the event handler never completed")
	}
}

func TestEventsDispatchInOrder(t *testing.T) {
	srv := napcatStub(t, []map[string]any{
		{"post_type": "message", "raw_message": "a"},
		{"post_type": "message", "raw_message": "b"},
		{"post_type": "message", "raw_message": "c"},
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 3)
	handler := func(ctx context.Context, botID string, event models.Event) {
		got <- event.Str("raw_message")
	}

	cli := dialStub(t, srv, handler)
	defer cli.Close()
	go func() { _ = cli.Run(ctx) }()

	for _, want := range []string{"a", "b", "c"} {
		select {
		case v := <-got:
			require.Equal(t, want, v)
		case <-time.After(3 * time.Second):
			t.Fatalf("event %q never dispatched", want)
		}
	}
}
