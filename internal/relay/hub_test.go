package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/mehdi852/chat-relay/internal/ai"
	"github.com/mehdi852/chat-relay/internal/event"
	"github.com/mehdi852/chat-relay/internal/history"
	"github.com/mehdi852/chat-relay/internal/middleware"
	"github.com/mehdi852/chat-relay/internal/website"
)

type fakeStore struct {
	mu       sync.Mutex
	messages []history.Message
	visitors map[string]history.Visitor
}

func newFakeStore() *fakeStore {
	return &fakeStore{visitors: make(map[string]history.Visitor)}
}

func (s *fakeStore) SaveMessage(ctx context.Context, m *history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) UpsertVisitor(ctx context.Context, websiteID int, v *history.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitors[v.VisitorID] = *v
	return nil
}

func (s *fakeStore) ConversationTail(ctx context.Context, websiteID int, visitorID string, n int) ([]history.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tail []history.Message
	for _, m := range s.messages {
		if m.WebsiteID == websiteID && m.VisitorID == visitorID {
			tail = append(tail, m)
		}
	}
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	return tail, nil
}

func (s *fakeStore) saved() []history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Message(nil), s.messages...)
}

type fakeDirectory struct {
	mu       sync.Mutex
	sites    map[int]*website.Website
	limits   website.LimitsResponse
	replies  int
	aiStates []bool
}

func (d *fakeDirectory) Get(ctx context.Context, id int) (*website.Website, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	site, ok := d.sites[id]
	if !ok {
		return nil, errors.New("website not found")
	}
	copied := *site
	return &copied, nil
}

func (d *fakeDirectory) SetAIEnabled(ctx context.Context, id int, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if site, ok := d.sites[id]; ok {
		site.AIEnabled = enabled
	}
	d.aiStates = append(d.aiStates, enabled)
	return nil
}

func (d *fakeDirectory) CheckLimits(ctx context.Context, id int) (website.LimitsResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits, nil
}

func (d *fakeDirectory) RecordReply(ctx context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies++
	return nil
}

func (d *fakeDirectory) recorded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replies
}

type fakeResponder struct {
	reply string
	err   error
}

func (r *fakeResponder) Reply(ctx context.Context, turns []ai.Turn, text string) (string, error) {
	return r.reply, r.err
}

const testAdminID = 7

// withAdmin stands in for the JWT middleware during tests.
func withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), middleware.AdminIDKey, testAdminID)
		next(w, r.WithContext(ctx))
	}
}

func newTestServer(t *testing.T, store MessageStore, dir WebsiteDirectory, responder ai.Responder) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(store, dir, responder, nil, zap.NewNop())
	handler := NewHandler(hub, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/admin", withAdmin(handler.ServeAdminWS))
	mux.HandleFunc("/ws/visitor", handler.ServeVisitorWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func liveRooms(hub *Hub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms)
}

func wsURL(srv *httptest.Server, path, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?" + query
}

func dialAdmin(t *testing.T, srv *httptest.Server, websiteID int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(srv, "/ws/admin", fmt.Sprintf("websiteId=%d", websiteID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialVisitor(t *testing.T, srv *httptest.Server, websiteID int, visitorID string) *websocket.Conn {
	t.Helper()
	query := fmt.Sprintf("websiteId=%d", websiteID)
	if visitorID != "" {
		query += "&visitorId=" + visitorID
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/visitor", query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitEvent reads frames until one of the wanted type arrives, skipping
// interleaved presence traffic.
func awaitEvent(t *testing.T, conn *websocket.Conn, wanted string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", wanted)
		var env event.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == wanted {
			return env.Payload
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, name string, payload interface{}) {
	t.Helper()
	data, err := event.Marshal(name, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func singleSiteDirectory(aiEnabled bool) *fakeDirectory {
	return &fakeDirectory{
		sites: map[int]*website.Website{
			1: {ID: 1, OwnerID: testAdminID, Domain: "example.com", AIEnabled: aiEnabled},
		},
		limits: website.LimitsResponse{Eligible: true, Used: 0, Limit: 100},
	}
}

func TestVisitorSessionAck(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	conn := dialVisitor(t, srv, 1, "")
	payload := awaitEvent(t, conn, event.SessionEstablished)

	var ack map[string]string
	require.NoError(t, json.Unmarshal(payload, &ack))
	assert.NotEmpty(t, ack["visitorId"])
}

func TestVisitorMessageReachesAdmins(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(t, store, singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{
		WebsiteID: 1,
		VisitorID: "v-42",
		Message:   "hello there",
	})

	payload := awaitEvent(t, admin, event.AdminReceiveMessage)
	var p event.AdminReceivePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, 1, p.WebsiteID)
	assert.Equal(t, "v-42", p.VisitorID)
	assert.Equal(t, "hello there", p.Message)
	assert.True(t, p.IsNewConversation)
	assert.NotEmpty(t, p.Timestamp)

	saved := store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, event.TypeVisitor, saved[0].Type)
	assert.Equal(t, "hello there", saved[0].Text)
}

func TestSecondMessageIsNotNewConversation(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(t, store, singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{WebsiteID: 1, VisitorID: "v-42", Message: "first"})
	awaitEvent(t, admin, event.AdminReceiveMessage)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{WebsiteID: 1, VisitorID: "v-42", Message: "second"})
	payload := awaitEvent(t, admin, event.AdminReceiveMessage)

	var p event.AdminReceivePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.False(t, p.IsNewConversation)
}

func TestAdminReplyReachesVisitorAndEchoesUserID(t *testing.T) {
	store := newFakeStore()
	srv, _ := newTestServer(t, store, singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, admin, event.AdminMessage, event.AdminMessagePayload{
		WebsiteID: 1,
		VisitorID: "v-42",
		Message:   "how can I help?",
	})

	payload := awaitEvent(t, visitor, event.VisitorReceiveMessage)
	var p event.VisitorReceivePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, "how can I help?", p.Message)
	assert.Equal(t, event.TypeAdmin, p.Type)
	assert.Equal(t, testAdminID, p.UserID)

	// The sending dashboard gets the same frame back and filters on userId.
	echo := awaitEvent(t, admin, event.VisitorReceiveMessage)
	var e event.VisitorReceivePayload
	require.NoError(t, json.Unmarshal(echo, &e))
	assert.Equal(t, testAdminID, e.UserID)

	saved := store.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, event.TypeAdmin, saved[0].Type)
}

func TestAdminReplyDoesNotReachOtherVisitors(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	target := dialVisitor(t, srv, 1, "v-1")
	awaitEvent(t, target, event.SessionEstablished)
	bystander := dialVisitor(t, srv, 1, "v-2")
	awaitEvent(t, bystander, event.SessionEstablished)

	send(t, admin, event.AdminMessage, event.AdminMessagePayload{WebsiteID: 1, VisitorID: "v-1", Message: "private"})
	awaitEvent(t, target, event.VisitorReceiveMessage)

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		_, data, err := bystander.ReadMessage()
		if err != nil {
			break // deadline hit without a stray reply
		}
		var env event.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.NotEqual(t, event.VisitorReceiveMessage, env.Type)
	}
}

func TestAIReplyCycle(t *testing.T) {
	store := newFakeStore()
	dir := singleSiteDirectory(true)
	responder := &fakeResponder{reply: "our opening hours are 9 to 5"}
	srv, _ := newTestServer(t, store, dir, responder)

	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{
		WebsiteID: 1,
		VisitorID: "v-42",
		Message:   "when are you open?",
	})

	payload := awaitEvent(t, visitor, event.VisitorReceiveMessage)
	var p event.VisitorReceivePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, event.TypeAI, p.Type)
	assert.Equal(t, "our opening hours are 9 to 5", p.Message)
	assert.Zero(t, p.UserID)

	assert.Equal(t, 1, dir.recorded())

	saved := store.saved()
	require.Len(t, saved, 2)
	assert.Equal(t, event.TypeAI, saved[1].Type)
}

func TestNoAIReplyWhenDisabled(t *testing.T) {
	store := newFakeStore()
	dir := singleSiteDirectory(false)
	srv, _ := newTestServer(t, store, dir, &fakeResponder{reply: "should not fire"})

	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{WebsiteID: 1, VisitorID: "v-42", Message: "anyone?"})

	require.NoError(t, visitor.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		_, data, err := visitor.ReadMessage()
		if err != nil {
			break
		}
		var env event.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.NotEqual(t, event.VisitorReceiveMessage, env.Type)
	}
	assert.Equal(t, 0, dir.recorded())
}

func TestNoAIReplyWhenQuotaExhausted(t *testing.T) {
	store := newFakeStore()
	dir := singleSiteDirectory(true)
	dir.limits = website.LimitsResponse{Eligible: false, Used: 100, Limit: 100}
	srv, _ := newTestServer(t, store, dir, &fakeResponder{reply: "should not fire"})

	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorMessage, event.VisitorMessagePayload{WebsiteID: 1, VisitorID: "v-42", Message: "anyone?"})

	require.NoError(t, visitor.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		_, data, err := visitor.ReadMessage()
		if err != nil {
			break
		}
		var env event.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.NotEqual(t, event.VisitorReceiveMessage, env.Type)
	}
	assert.Equal(t, 0, dir.recorded())
}

func TestAdminSocketRequiresOwnership(t *testing.T) {
	dir := &fakeDirectory{
		sites: map[int]*website.Website{
			1: {ID: 1, OwnerID: 99, Domain: "someone-elses.com"},
		},
	}
	srv, _ := newTestServer(t, newFakeStore(), dir, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/admin", "websiteId=1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestVisitorSocketRejectsUnknownWebsite(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/visitor", "websiteId=404"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateAIStatePersistsAndBroadcasts(t *testing.T) {
	dir := singleSiteDirectory(true)
	srv, _ := newTestServer(t, newFakeStore(), dir, nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, admin, event.UpdateAIState, event.AIStatePayload{WebsiteID: 1, IsAIEnabled: false})

	payload := awaitEvent(t, visitor, event.AIStateChanged)
	var p event.AIStatePayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.False(t, p.IsAIEnabled)

	payload = awaitEvent(t, admin, event.AIStateChanged)
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.False(t, p.IsAIEnabled)

	site, err := dir.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, site.AIEnabled)
}

func TestVisitorDisconnectBroadcastsOffline(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	// The register path announces the visitor online first.
	payload := awaitEvent(t, admin, event.VisitorStatusChanged)
	var p event.VisitorStatusPayload
	require.NoError(t, json.Unmarshal(payload, &p))
	assert.Equal(t, event.StatusOnline, p.Status)

	require.NoError(t, visitor.Close())

	for {
		payload = awaitEvent(t, admin, event.VisitorStatusChanged)
		require.NoError(t, json.Unmarshal(payload, &p))
		if p.Status == event.StatusOffline {
			assert.Equal(t, "v-42", p.VisitorID)
			return
		}
	}
}

func TestVisitorAwayStatusRelayedToAdmins(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)

	send(t, visitor, event.VisitorStatus, event.VisitorStatusPayload{WebsiteID: 1, VisitorID: "v-42", Status: event.StatusAway})

	for {
		payload := awaitEvent(t, admin, event.VisitorStatusChanged)
		var p event.VisitorStatusPayload
		require.NoError(t, json.Unmarshal(payload, &p))
		if p.Status == event.StatusAway {
			assert.Equal(t, "v-42", p.VisitorID)
			return
		}
	}
}

func TestRoomReapedAfterLastClientLeaves(t *testing.T) {
	srv, hub := newTestServer(t, newFakeStore(), singleSiteDirectory(false), nil)

	admin := dialAdmin(t, srv, 1)
	visitor := dialVisitor(t, srv, 1, "v-42")
	awaitEvent(t, visitor, event.SessionEstablished)
	require.Equal(t, 1, liveRooms(hub))

	require.NoError(t, visitor.Close())
	require.NoError(t, admin.Close())

	require.Eventually(t, func() bool {
		return liveRooms(hub) == 0
	}, 3*time.Second, 10*time.Millisecond)

	// A fresh connection brings the room back.
	next := dialVisitor(t, srv, 1, "v-43")
	awaitEvent(t, next, event.SessionEstablished)
	require.Equal(t, 1, liveRooms(hub))
}
