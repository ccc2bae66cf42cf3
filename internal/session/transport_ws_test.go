package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/event"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type recordingSink struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	events      []string
}

func (s *recordingSink) HandleConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *recordingSink) HandleDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *recordingSink) HandleEvent(name string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *recordingSink) snapshot() (int, int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects, append([]string(nil), s.events...)
}

func newEchoServer(t *testing.T, onConn func(*websocket.Conn, *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestTransport(srv *httptest.Server) *WSTransport {
	tr := NewWSTransport("ws"+strings.TrimPrefix(srv.URL, "http"), "test-token", zap.NewNop())
	tr.attempts = 2
	tr.retryDelay = 10 * time.Millisecond
	tr.timeout = 2 * time.Second
	return tr
}

func TestTransportConnectCarriesSessionParams(t *testing.T) {
	var (
		mu    sync.Mutex
		query map[string]string
	)
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		query = map[string]string{
			"websiteId": r.URL.Query().Get("websiteId"),
			"userId":    r.URL.Query().Get("userId"),
			"type":      r.URL.Query().Get("type"),
			"token":     r.URL.Query().Get("token"),
		}
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(srv)
	sink := &recordingSink{}
	require.NoError(t, tr.Connect(context.Background(), Params{WebsiteID: 3, UserID: 7, Type: "admin"}, sink))
	defer tr.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return query != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "3", query["websiteId"])
	assert.Equal(t, "7", query["userId"])
	assert.Equal(t, "admin", query["type"])
	assert.Equal(t, "test-token", query["token"])

	connects, _, _ := sink.snapshot()
	assert.Equal(t, 1, connects)
}

func TestTransportDeliversInboundEnvelopes(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		data, _ := event.Marshal(event.AIStateChanged, event.AIStatePayload{WebsiteID: 1, IsAIEnabled: true})
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(srv)
	sink := &recordingSink{}
	require.NoError(t, tr.Connect(context.Background(), Params{WebsiteID: 1, UserID: 7, Type: "admin"}, sink))
	defer tr.Disconnect()

	require.Eventually(t, func() bool {
		_, _, events := sink.snapshot()
		return len(events) == 1 && events[0] == event.AIStateChanged
	}, time.Second, 5*time.Millisecond)
}

func TestTransportEmitRoundTrip(t *testing.T) {
	received := make(chan event.Envelope, 1)
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env event.Envelope
			if json.Unmarshal(data, &env) == nil {
				received <- env
			}
		}
	})

	tr := newTestTransport(srv)
	require.NoError(t, tr.Connect(context.Background(), Params{WebsiteID: 1, UserID: 7, Type: "admin"}, &recordingSink{}))
	defer tr.Disconnect()

	require.NoError(t, tr.Emit(event.AdminMessage, event.AdminMessagePayload{
		WebsiteID: 1, VisitorID: "v1", Message: "hello", UserID: 7,
	}))

	select {
	case env := <-received:
		assert.Equal(t, event.AdminMessage, env.Type)
		var p event.AdminMessagePayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, "hello", p.Message)
	case <-time.After(time.Second):
		t.Fatal("server never received the emitted frame")
	}
}

func TestTransportEmitWithoutConnection(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:1/ws", "tok", zap.NewNop())
	assert.ErrorIs(t, tr.Emit(event.AdminMessage, nil), ErrNotConnected)
}

func TestTransportRedialsAfterDrop(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if first {
			conn.Close() // force the client through its redial path
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(srv)
	sink := &recordingSink{}
	require.NoError(t, tr.Connect(context.Background(), Params{WebsiteID: 1, UserID: 7, Type: "admin"}, sink))
	defer tr.Disconnect()

	require.Eventually(t, func() bool {
		connects, _, _ := sink.snapshot()
		return connects == 2
	}, 3*time.Second, 10*time.Millisecond)

	_, disconnects, _ := sink.snapshot()
	assert.Zero(t, disconnects)
}

func TestTransportReportsDisconnectWhenRedialExhausted(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.Close()
	})

	tr := newTestTransport(srv)
	sink := &recordingSink{}
	err := tr.Connect(context.Background(), Params{WebsiteID: 1, UserID: 7, Type: "admin"}, sink)
	require.NoError(t, err)

	srv.CloseClientConnections()
	srv.Close() // all further dials fail

	require.Eventually(t, func() bool {
		_, disconnects, _ := sink.snapshot()
		return disconnects == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTransportDisconnectSilencesSink(t *testing.T) {
	srv := newEchoServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(srv)
	sink := &recordingSink{}
	require.NoError(t, tr.Connect(context.Background(), Params{WebsiteID: 1, UserID: 7, Type: "admin"}, sink))

	tr.Disconnect()
	time.Sleep(50 * time.Millisecond)

	_, disconnects, _ := sink.snapshot()
	assert.Zero(t, disconnects, "deliberate disconnects are silent")
}
