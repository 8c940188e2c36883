package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chatlink/chatlink/internal/delivery"
	"github.com/chatlink/chatlink/internal/mailbox"
	"github.com/chatlink/chatlink/internal/presence"
	"github.com/chatlink/chatlink/internal/wire"
)

type testRelay struct {
	server  *httptest.Server
	boxes   *mailbox.Store
	service *delivery.Service
	gateway *Gateway
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	registry := presence.NewRegistry(time.Minute)
	boxes := mailbox.NewStore()
	service := delivery.NewService(registry, boxes, delivery.Config{AckTimeout: 2 * time.Second})
	gateway := NewGateway(registry, service, boxes)

	server := httptest.NewServer(http.HandlerFunc(gateway.Serve))
	t.Cleanup(server.Close)

	return &testRelay{server: server, boxes: boxes, service: service, gateway: gateway}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (tr *testRelay) dial(t *testing.T) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(tr.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{t: t, conn: conn}
}

func (c *testClient) emit(event string, seq uint64, payload any) {
	c.t.Helper()
	env, err := wire.NewEnvelope(event, seq, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(env))
}

// waitFor reads frames until one matches event, discarding everything else.
func (c *testClient) waitFor(event string) wire.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var env wire.Envelope
		require.NoError(c.t, c.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func (c *testClient) register(userID, username string) {
	c.t.Helper()
	c.emit(wire.EventRegister, 0, wire.RegisterPayload{UserID: userID, Username: username})
	c.waitFor(wire.EventOnlineUsers)
}

func TestRegisterReturnsOnlineUsers(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.emit(wire.EventRegister, 0, wire.RegisterPayload{UserID: "alice", Username: "Alice"})
	env := alice.waitFor(wire.EventOnlineUsers)

	var users []wire.UserStatus
	require.NoError(t, env.Bind(&users))
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].UserID)
	require.Equal(t, "online", users[0].Status)
}

func TestUserStatusBroadcastOnRegister(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")

	bob := relay.dial(t)
	bob.register("bob", "Bob")

	env := alice.waitFor(wire.EventUserStatus)
	var status wire.UserStatus
	require.NoError(t, env.Bind(&status))
	require.Equal(t, "bob", status.UserID)
	require.Equal(t, "online", status.Status)
}

func TestSendDeliverAck(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")
	bob := relay.dial(t)
	bob.register("bob", "Bob")

	msg := wire.NewMessage("alice", "bob", "hello bob")
	alice.emit(wire.EventSendMessage, 42, msg)

	received := bob.waitFor(wire.EventReceiveMessage)
	var got wire.Message
	require.NoError(t, received.Bind(&got))
	require.Equal(t, msg.MessageID, got.MessageID)
	require.Equal(t, "hello bob", got.Content)

	bob.emit(wire.EventMessageAck, 0, wire.AckPayload{
		MessageID:   got.MessageID,
		RecipientID: got.SenderID,
		Status:      wire.StatusDelivered,
	})

	result := alice.waitFor(wire.EventSendResult)
	require.Equal(t, uint64(42), result.Seq, "send_result must echo the request seq")
	var sr wire.SendResult
	require.NoError(t, result.Bind(&sr))
	require.Equal(t, wire.OutcomeDelivered, sr.Status)
	require.Equal(t, msg.MessageID, sr.MessageID)
}

func TestSendToOfflineQueuesAndFlushesOnRegister(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")

	msg := wire.NewMessage("alice", "carol", "are you there?")
	alice.emit(wire.EventSendMessage, 1, msg)

	result := alice.waitFor(wire.EventSendResult)
	var sr wire.SendResult
	require.NoError(t, result.Bind(&sr))
	require.Equal(t, wire.OutcomeQueued, sr.Status)

	carol := relay.dial(t)
	carol.emit(wire.EventRegister, 0, wire.RegisterPayload{UserID: "carol", Username: "Carol"})
	env := carol.waitFor(wire.EventPendingMessages)

	var pending []wire.Message
	require.NoError(t, env.Bind(&pending))
	require.Len(t, pending, 1)
	require.Equal(t, msg.MessageID, pending[0].MessageID)

	// carol acks; alice learns the message was delivered
	carol.emit(wire.EventMessageAck, 0, wire.AckPayload{
		MessageID:   msg.MessageID,
		RecipientID: "alice",
		Status:      wire.StatusDelivered,
	})
	statusEnv := alice.waitFor(wire.EventMessageStatus)
	var update wire.StatusUpdate
	require.NoError(t, statusEnv.Bind(&update))
	require.Equal(t, msg.MessageID, update.MessageID)
	require.Equal(t, wire.StatusDelivered, update.Status)
}

func TestSignalRelaySubstitutesSender(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")
	bob := relay.dial(t)
	bob.register("bob", "Bob")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	alice.emit(wire.EventVideoOffer, 0, wire.SignalPayload{Payload: offer, RecipientID: "bob"})

	env := bob.waitFor(wire.EventVideoOffer)
	var signal wire.SignalPayload
	require.NoError(t, env.Bind(&signal))
	require.Equal(t, "alice", signal.SenderID)
	require.Empty(t, signal.RecipientID)
	require.JSONEq(t, string(offer), string(signal.Payload))
}

func TestEnqueueAfterCloseIsRefusedNotPanic(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")

	conn, ok := relay.gateway.table.byUser("alice")
	require.True(t, ok)

	env, err := wire.NewEnvelope(wire.EventUserStatus, 0, wire.UserStatus{UserID: "bob", Status: "offline"})
	require.NoError(t, err)

	// broadcast and delivery goroutines hold connection snapshots, so close
	// must race safely against their enqueues
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.enqueue(env)
		}()
	}
	conn.close()
	wg.Wait()

	require.False(t, conn.enqueue(env), "closed connection must refuse the frame")
	require.False(t, relay.gateway.Push("alice", wire.EventUserStatus, wire.UserStatus{UserID: "bob"}))
}

func TestSignalToOfflineRecipientIsDropped(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t)
	alice.register("alice", "Alice")

	// best-effort: nothing crashes, nothing comes back
	alice.emit(wire.EventIceCandidate, 0, wire.SignalPayload{
		Payload:     json.RawMessage(`{"candidate":"x"}`),
		RecipientID: "nobody",
	})

	alice.emit(wire.EventHeartbeat, 0, wire.HeartbeatPayload{UserID: "alice"})
	// the connection is still healthy enough to carry another register round-trip
	alice.emit(wire.EventRegister, 0, wire.RegisterPayload{UserID: "alice", Username: "Alice"})
	alice.waitFor(wire.EventOnlineUsers)
}
