package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/logchat/pkg/config"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/protocol"
	"github.com/go-go-golems/logchat/pkg/transcript"
)

// analysisServer answers every chat frame with a short streamed reply.
func analysisServer(t *testing.T, gotPath chan<- string, gotReq chan<- protocol.ChatRequest) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/ws/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		gotPath <- r.URL.Path

		for {
			var req protocol.ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			gotReq <- req
			replies := []any{
				map[string]any{"type": "chunk", "content": "The main thread "},
				map[string]any{"type": "search_results", "data": []map[string]any{
					{"text": "at android.os.MessageQueue.nativePollOnce", "score": 0.92, "metadata": map[string]any{"line": 12}},
				}},
				map[string]any{"type": "chunk", "content": "is blocked on a lock."},
				map[string]any{"type": "unknown_kind"},
				map[string]any{"type": "done"},
			}
			for _, reply := range replies {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))
}

func TestClient_EndToEnd(t *testing.T) {
	gotPath := make(chan string, 1)
	gotReq := make(chan protocol.ChatRequest, 1)
	srv := analysisServer(t, gotPath, gotReq)
	defer srv.Close()

	settings := config.Default()
	settings.Server = srv.URL

	statuses := make(chan connection.Status, 64)
	changed := make(chan struct{}, 256)
	c, err := NewClient(settings, ClientOptions{
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
		OnStatus:          func(s connection.Status) { statuses <- s },
		ConnectionOptions: []connection.Option{connection.WithLogger(zerolog.Nop())},
		SessionOptions:    []Option{WithLogger(zerolog.Nop())},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Manager.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-runDone)
	}()

	c.Manager.Connect()
	waitOpen(t, statuses)
	require.Equal(t, "/api/ws/"+c.ClientID, <-gotPath)

	require.True(t, c.Session.Submit("Why did the app stop responding?"))
	req := <-gotReq
	require.Equal(t, "Why did the app stop responding?", req.Message)
	require.Equal(t, c.Session.ID(), req.SessionID)
	require.Equal(t, protocol.DefaultModel, req.Model)

	require.Eventually(t, func() bool {
		return !c.Transcript.Loading() && c.Transcript.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	v := c.Transcript.Snapshot()
	require.Equal(t, transcript.RoleAssistant, v.Turns[1].Role)
	require.Equal(t, "The main thread is blocked on a lock.", v.Turns[1].Content)
	require.False(t, v.Turns[1].Streaming)
	require.Len(t, v.Evidence, 1)
	require.Len(t, v.Turns[1].Results, 1)
	require.Empty(t, v.LastError)
	require.Equal(t, connection.Open, c.Manager.Status().State)
}

func TestNewClient_RejectsInvalidSettings(t *testing.T) {
	settings := config.Default()
	settings.Server = "ftp://example.com"
	_, err := NewClient(settings, ClientOptions{})
	require.ErrorIs(t, err, config.ErrInvalidSettings)
}

func waitOpen(t *testing.T, statuses <-chan connection.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s.State == connection.Open {
				return
			}
		case <-deadline:
			t.Fatal("connection did not open")
		}
	}
}
