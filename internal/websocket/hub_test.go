package websocket

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/shelly-fleet-go/internal/model"
)

func testHub(t *testing.T) (*Hub, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hub := NewHub(logger, nil)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HandleWebSocket(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expectMessage reads frames until one carrying the wanted type arrives,
// failing if a forbidden type shows up first. Batched frames hold
// newline-separated messages.
func expectMessage(t *testing.T, conn *websocket.Conn, want string, forbidden ...string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s message", want)
		for _, raw := range bytes.Split(frame, []byte{'\n'}) {
			var msg Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			for _, f := range forbidden {
				require.NotEqual(t, f, msg.Type, "received filtered-out message")
			}
			if msg.Type == want {
				return msg
			}
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType, topic string) {
	t.Helper()
	msg := Message{Type: msgType, Data: map[string]interface{}{}}
	if topic != "" {
		msg.Data["topic"] = topic
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestClientReceivesWelcome(t *testing.T) {
	_, url := testHub(t)
	conn := dial(t, url)

	welcome := expectMessage(t, conn, MessageTypeConnection)
	assert.Equal(t, "connected", welcome.Data["status"])
	assert.NotEmpty(t, welcome.Data["client_id"])
}

func TestPublishReachesAllClients(t *testing.T) {
	hub, url := testHub(t)
	a := dial(t, url)
	b := dial(t, url)
	expectMessage(t, a, MessageTypeConnection)
	expectMessage(t, b, MessageTypeConnection)

	hub.Publish(DeviceRemovedMessage("E868E7EA6333"))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := expectMessage(t, conn, MessageTypeDeviceRemoved)
		assert.Equal(t, "E868E7EA6333", msg.Data["device_id"])
	}
}

func TestSubscriptionFiltersTopics(t *testing.T) {
	hub, url := testHub(t)
	conn := dial(t, url)
	expectMessage(t, conn, MessageTypeConnection)

	send(t, conn, "subscribe", TopicGroups)
	ack := expectMessage(t, conn, MessageTypeSubscriptionUpdate)
	assert.Equal(t, TopicGroups, ack.Data["topic"])
	assert.Equal(t, true, ack.Data["subscribed"])

	hub.Publish(DeviceRemovedMessage("E868E7EA6333"))
	hub.Publish(GroupRunCompletedMessage(&model.GroupResult{RunID: "run-1", GroupName: "kitchen"}))

	msg := expectMessage(t, conn, MessageTypeGroupRunCompleted, MessageTypeDeviceRemoved)
	assert.Equal(t, "kitchen", msg.Data["group"])
}

func TestUnsubscribeRestoresFullStream(t *testing.T) {
	hub, url := testHub(t)
	conn := dial(t, url)
	expectMessage(t, conn, MessageTypeConnection)

	send(t, conn, "subscribe", TopicGroups)
	expectMessage(t, conn, MessageTypeSubscriptionUpdate)
	send(t, conn, "unsubscribe", TopicGroups)
	expectMessage(t, conn, MessageTypeSubscriptionUpdate)

	hub.Publish(DeviceRemovedMessage("E868E7EA6333"))
	expectMessage(t, conn, MessageTypeDeviceRemoved)
}

func TestPingPong(t *testing.T) {
	_, url := testHub(t)
	conn := dial(t, url)
	expectMessage(t, conn, MessageTypeConnection)

	send(t, conn, "ping", "")
	expectMessage(t, conn, "pong")
}

func TestClientCountTracksConnections(t *testing.T) {
	hub, url := testHub(t)
	a := dial(t, url)
	dial(t, url)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, hub.GetStats().TotalConnections, int64(2))
}
