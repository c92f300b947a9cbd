// Package wstest provides helpers for driving the chat relay over a real
// WebSocket connection in tests.
//
// It wraps a gorilla Dialer with the Origin header the test server accepts and
// reads typed events with deadlines so a missing event fails the test instead
// of hanging it.
package wstest

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is sent on every dial unless another origin is requested.
const DefaultOrigin = "http://localhost:8080"

// Event is an outbound frame as seen by a client.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Payload, v))
}

// URL converts an httptest server URL into its /ws endpoint.
func URL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// Dial opens a WebSocket connection with the given Origin header.
func Dial(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect dials url with DefaultOrigin and closes the connection at test cleanup.
func Connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := Dial(url, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes a {type, payload} command frame.
func Send(t *testing.T, conn *websocket.Conn, commandType string, payload any) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    commandType,
		"payload": payload,
	}))
}

// SendRaw writes data as a single text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// Join sends a join command.
func Join(t *testing.T, conn *websocket.Conn, room, username string) {
	t.Helper()
	Send(t, conn, "join", map[string]string{"roomId": room, "username": username})
}

// Chat sends a chat command.
func Chat(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	Send(t, conn, "chat", map[string]string{"message": message})
}

// Read waits up to two seconds for the next event.
func Read(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// ReadType reads the next event and checks its type.
func ReadType(t *testing.T, conn *websocket.Conn, eventType string) Event {
	t.Helper()

	ev := Read(t, conn)
	require.Equal(t, eventType, ev.Type, "payload: %s", string(ev.Payload))
	return ev
}

// ExpectNone fails if an event arrives within timeout. The connection is not
// usable for reads afterwards when the deadline fires.
func ExpectNone(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %s", string(data))
	}
}

// Close sends a normal close frame and closes the connection.
func Close(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
