package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"social-chat/internal/convo"
	"social-chat/internal/middleware"
	"social-chat/internal/presence"
)

type stubValidator map[string]struct {
	id     int
	handle string
}

func (v stubValidator) ValidateToken(token string) (int, string, error) {
	entry, ok := v[token]
	if !ok {
		return 0, "", fmt.Errorf("unknown token")
	}
	return entry.id, entry.handle, nil
}

type stubResolver map[int]string

func (r stubResolver) Resolve(_ context.Context, accountID int) (string, error) {
	h, ok := r[accountID]
	if !ok {
		return "", fmt.Errorf("no handle for account %d", accountID)
	}
	return h, nil
}

type testGateway struct {
	server *httptest.Server
	hub    *Hub
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	registry := presence.NewRegistry()
	broker := NewLocalBroker()
	hub := NewHub(registry, broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	validator := stubValidator{
		"alex-token": {1, "alex"},
		"bree-token": {2, "bree"},
		"cody-token": {3, "cody"},
	}
	resolver := stubResolver{1: "alex", 2: "bree", 3: "cody"}

	r := chi.NewRouter()
	r.Use(middleware.NewAuthMiddleware(validator).Handle)
	r.Get("/ws", NewHandler(hub, resolver).ServeWs)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &testGateway{server: server, hub: hub}
}

func (g *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	payload, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func recvFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

// connect dials, registers, and consumes the snapshot.
func (g *testGateway) connect(t *testing.T, token, handle string) (*websocket.Conn, Frame) {
	t.Helper()
	conn := g.dial(t, token)
	sendFrame(t, conn, Frame{Type: EventRegister, Handle: handle})
	snapshot := recvFrame(t, conn)
	require.Equal(t, EventPresenceSnapshot, snapshot.Type)
	return conn, snapshot
}

func TestRegisterReceivesSnapshotThenDeltas(t *testing.T) {
	g := newTestGateway(t)

	_, alexSnap := g.connect(t, "alex-token", "alex")
	require.Equal(t, []string{"alex"}, alexSnap.Handles)

	_, breeSnap := g.connect(t, "bree-token", "bree")
	require.ElementsMatch(t, []string{"alex", "bree"}, breeSnap.Handles)
}

func TestPresenceDeltaGoesToOtherHandlesOnly(t *testing.T) {
	g := newTestGateway(t)

	alexConn, _ := g.connect(t, "alex-token", "alex")
	_, _ = g.connect(t, "bree-token", "bree")

	// alex sees bree come online; bree saw alex only in its snapshot.
	delta := recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, delta.Type)
	require.Equal(t, "bree", delta.Handle)
}

func TestSecondTabDoesNotDuplicatePresence(t *testing.T) {
	g := newTestGateway(t)

	tab1, _ := g.connect(t, "alex-token", "alex")
	breeConn, _ := g.connect(t, "bree-token", "bree")

	// Drain bree's arrival on alex's first tab.
	ev := recvFrame(t, tab1)
	require.Equal(t, EventHandleOnline, ev.Type)

	// Second tab for alex: no transition, so bree must hear nothing.
	tab2, _ := g.connect(t, "alex-token", "alex")

	// Closing one tab keeps alex online; closing the last one emits offline.
	tab2.Close()
	tab1.Close()

	// The next (and only) frame bree sees for alex is the offline delta.
	ev = recvFrame(t, breeConn)
	require.Equal(t, EventHandleOffline, ev.Type)
	require.Equal(t, "alex", ev.Handle)
}

func TestUngracefulDisconnectEmitsOfflineOnce(t *testing.T) {
	g := newTestGateway(t)

	alexConn, _ := g.connect(t, "alex-token", "alex")
	breeConn, _ := g.connect(t, "bree-token", "bree")

	ev := recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, ev.Type)

	// Kill the TCP stream without a close handshake, the way a crashed
	// client or dropped network would. The read failure must still
	// unregister the connection; otherwise bree stays online forever.
	require.NoError(t, breeConn.NetConn().Close())

	ev = recvFrame(t, alexConn)
	require.Equal(t, EventHandleOffline, ev.Type)
	require.Equal(t, "bree", ev.Handle)

	// Exactly once: the next frame alex hears is an unrelated online delta,
	// not a second offline.
	_, _ = g.connect(t, "cody-token", "cody")
	ev = recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, ev.Type)
	require.Equal(t, "cody", ev.Handle)
}

func TestMessageDeliveredFansOutToAllRecipientConnections(t *testing.T) {
	g := newTestGateway(t)

	start := time.Now().UTC()

	_, _ = g.connect(t, "alex-token", "alex")
	breeTab1, _ := g.connect(t, "bree-token", "bree")
	breeTab2, _ := g.connect(t, "bree-token", "bree")

	msg := &convo.Message{
		ID:             41,
		ConversationID: 7,
		Sender:         "alex",
		Receiver:       "bree",
		Content:        "hi",
		CreatedAt:      time.Now().UTC(),
	}
	g.hub.MessageDelivered(7, msg)

	for _, conn := range []*websocket.Conn{breeTab1, breeTab2} {
		f := recvFrame(t, conn)
		require.Equal(t, EventMessageDelivered, f.Type)
		require.Equal(t, 7, f.ConversationID)
		require.NotNil(t, f.Message)
		require.Equal(t, "hi", f.Message.Content)
		require.False(t, f.Message.CreatedAt.Before(start))
	}
}

func TestSenderConnectionsDoNotReceiveDelivery(t *testing.T) {
	g := newTestGateway(t)

	alexConn, _ := g.connect(t, "alex-token", "alex")
	_, _ = g.connect(t, "bree-token", "bree")

	// Drain bree's online delta first.
	ev := recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, ev.Type)

	msg := &convo.Message{ID: 1, ConversationID: 7, Sender: "alex", Receiver: "bree", Content: "hi", CreatedAt: time.Now().UTC()}
	g.hub.MessageDelivered(7, msg)

	// Whatever alex reads next must be a presence event, never the delivery.
	_, _ = g.connect(t, "cody-token", "cody")
	ev = recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, ev.Type)
	require.Equal(t, "cody", ev.Handle)
}

func TestDeliveryToOfflineHandleIsDropped(t *testing.T) {
	g := newTestGateway(t)

	alexConn, _ := g.connect(t, "alex-token", "alex")

	msg := &convo.Message{ID: 1, ConversationID: 7, Sender: "alex", Receiver: "ghost", Content: "hi", CreatedAt: time.Now().UTC()}
	g.hub.MessageDelivered(7, msg)

	// The gateway stays healthy: a later presence event still comes through.
	_, _ = g.connect(t, "bree-token", "bree")
	ev := recvFrame(t, alexConn)
	require.Equal(t, EventHandleOnline, ev.Type)
	require.Equal(t, "bree", ev.Handle)
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	g := newTestGateway(t)

	conn := g.dial(t, "alex-token")
	sendFrame(t, conn, Frame{Type: EventHandleOnline, Handle: "alex"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestCannotRegisterForeignHandle(t *testing.T) {
	g := newTestGateway(t)

	conn := g.dial(t, "alex-token")
	sendFrame(t, conn, Frame{Type: EventRegister, Handle: "bree"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}
