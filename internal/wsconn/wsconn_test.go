package wsconn

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/classroom-presence/internal/errs"
	"github.com/primal-host/classroom-presence/internal/model"
)

// wsPair spins up a real WebSocket connection over loopback HTTP and
// returns both ends, so the pure wire-handling methods on Handler can be
// exercised against a real *websocket.Conn without a network mock.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server = <-serverCh
	t.Cleanup(func() { server.Close() })
	return server, client
}

func testHandler() *Handler {
	return NewHandler(Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func testKey(label string) model.SessionKey {
	return model.SessionKey{
		Agent:     model.AgentId{Label: label, Account: model.AccountId{Subject: "alice", Audience: "svc"}},
		Classroom: model.ClassroomId{},
	}
}

func readTextFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func encodeFrame(t *testing.T, senderId, receiverId string, internal bool) []byte {
	t.Helper()
	env := struct {
		SenderId   string `json:"sender_id"`
		ReceiverId string `json:"receiver_id,omitempty"`
		Internal   bool   `json:"internal"`
		EventId    struct {
			EntityType string `json:"entity_type"`
		} `json:"event_id"`
		Payload json.RawMessage `json:"payload"`
	}{SenderId: senderId, ReceiverId: receiverId, Internal: internal, Payload: json.RawMessage(`{"ok":true}`)}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestDeliverBusFrameForwardsFromOtherSender(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()
	key := testKey("me")

	frame := encodeFrame(t, "laptop/bob@svc", "", false)
	ok := h.deliverBusFrame(server, key, frame)
	require.True(t, ok)

	got := readTextFrame(t, client)
	require.Contains(t, got, "payload")
}

func TestDeliverBusFrameDropsOwnEcho(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()
	key := testKey("me")

	frame := encodeFrame(t, key.Agent.String(), "", false)
	ok := h.deliverBusFrame(server, key, frame)
	require.True(t, ok)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := client.ReadMessage()
	require.Error(t, err, "a self-sent frame must not be forwarded to the client")
}

func TestDeliverBusFrameDropsInternal(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()
	key := testKey("me")

	frame := encodeFrame(t, "laptop/bob@svc", "", true)
	ok := h.deliverBusFrame(server, key, frame)
	require.True(t, ok)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := client.ReadMessage()
	require.Error(t, err, "an internal-only frame must not reach the client")
}

func TestDeliverBusFrameDropsMisaddressedReceiver(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()
	key := testKey("me")

	frame := encodeFrame(t, "laptop/bob@svc", "laptop/carol@svc", false)
	ok := h.deliverBusFrame(server, key, frame)
	require.True(t, ok)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := client.ReadMessage()
	require.Error(t, err, "a frame addressed to someone else must not be forwarded")
}

func TestDeliverBusFrameDropsMalformed(t *testing.T) {
	server, _ := wsPair(t)
	h := testHandler()
	key := testKey("me")

	ok := h.deliverBusFrame(server, key, []byte("not json"))
	require.True(t, ok, "a malformed frame is dropped, not treated as a send failure")
}

func TestSendUnrecoverableIncludesStatusAndKind(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()

	h.sendUnrecoverable(server, errs.NewUnrecoverable(errs.AccessDenied))

	got := readTextFrame(t, client)
	require.Equal(t, "unrecoverable_session_error", got["type"])
	payload := got["payload"].(map[string]any)
	require.Equal(t, float64(403), payload["status"])
}

func TestSendRecoverableReportsTerminated(t *testing.T) {
	server, client := wsPair(t)
	h := testHandler()

	h.sendRecoverable(server)

	got := readTextFrame(t, client)
	require.Equal(t, "recoverable_session_error", got["type"])
	payload := got["payload"].(map[string]any)
	require.Equal(t, float64(422), payload["status"])
	require.Equal(t, "terminated", payload["kind"])
}
