package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	cfg := *NewConfig()
	cfg.SendBufferSize = 16
	return NewHub(cfg, zaptest.NewLogger(t), metrics.New(prometheus.NewRegistry()))
}

// connect registers a socketless client whose queue the test reads directly.
func connect(h *Hub) *Client {
	c := NewClient(nil, h, "127.0.0.1:0")
	h.handleRegister(c)
	return c
}

func frame(t *testing.T, commandType string, payload any) []byte {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Envelope{Type: commandType, Payload: body})
	require.NoError(t, err)
	return data
}

func join(t *testing.T, h *Hub, c *Client, room, name string) {
	t.Helper()
	h.handleFrame(c, frame(t, CommandJoin, JoinPayload{RoomID: room, Username: name}))
}

func chat(t *testing.T, h *Hub, c *Client, message string) {
	t.Helper()
	h.handleFrame(c, frame(t, CommandChat, ChatPayload{Message: message}))
}

// drain returns every event queued for c without blocking.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()

	var events []Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return events
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			events = append(events, env)
		default:
			return events
		}
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func requireRoomUsers(t *testing.T, env Envelope, room string, users ...string) {
	t.Helper()

	require.Equal(t, EventRoomUsers, env.Type)
	got := decode[RoomUsersPayload](t, env)
	assert.Equal(t, room, got.RoomID)
	assert.Equal(t, users, got.Users)
}

func requireError(t *testing.T, env Envelope, eventType, text string) {
	t.Helper()

	require.Equal(t, eventType, env.Type)
	assert.Equal(t, text, decode[ErrorPayload](t, env).Message)
}

func TestHubJoin(t *testing.T) {
	t.Parallel()

	t.Run("it should confirm the join and publish the roster", func(t *testing.T) {
		h := newTestHub(t)
		alice := connect(h)

		join(t, h, alice, "r1", "alice")

		events := drain(t, alice)
		require.Len(t, events, 2)
		require.Equal(t, EventJoinSuccess, events[0].Type)
		assert.Equal(t, JoinSuccessPayload{RoomID: "r1", Username: "alice"}, decode[JoinSuccessPayload](t, events[0]))
		requireRoomUsers(t, events[1], "r1", "alice")
		assert.Equal(t, HubStats{Connections: 1, Joined: 1, Rooms: 1}, h.Stats())
	})

	t.Run("it should require room and username", func(t *testing.T) {
		h := newTestHub(t)
		c := connect(h)

		join(t, h, c, "", "alice")
		join(t, h, c, "r1", "")
		join(t, h, c, "   ", "alice")
		h.handleFrame(c, []byte(`{"type":"join"}`))
		h.handleFrame(c, []byte(`{"type":"join","payload":{"roomId":5,"username":"x"}}`))

		events := drain(t, c)
		require.Len(t, events, 5)
		for _, env := range events {
			requireError(t, env, EventJoinError, errTextJoinRequired)
		}
		assert.Zero(t, h.Stats().Joined)
	})

	t.Run("it should trim room and username", func(t *testing.T) {
		h := newTestHub(t)
		c := connect(h)

		join(t, h, c, " r1 ", " alice ")

		events := drain(t, c)
		require.Len(t, events, 2)
		requireRoomUsers(t, events[1], "r1", "alice")
	})

	t.Run("it should reject a taken name and then accept a free one", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)

		join(t, h, a, "r1", "alice")
		require.Equal(t, EventJoinSuccess, drain(t, a)[0].Type)

		join(t, h, b, "r1", "alice")
		events := drain(t, b)
		require.Len(t, events, 1)
		requireError(t, events[0], EventJoinError, errTextNameTaken)
		assert.Empty(t, drain(t, a))
		assert.Equal(t, []string{"alice"}, h.RoomUsers("r1"))

		join(t, h, b, "r1", "bob")
		events = drain(t, b)
		require.Len(t, events, 2)
		require.Equal(t, EventJoinSuccess, events[0].Type)
		requireRoomUsers(t, events[1], "r1", "alice", "bob")

		events = drain(t, a)
		require.Len(t, events, 1)
		requireRoomUsers(t, events[0], "r1", "alice", "bob")
	})

	t.Run("it should allow the same name in different rooms", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)

		join(t, h, a, "r1", "alice")
		join(t, h, b, "r2", "alice")

		assert.Equal(t, EventJoinSuccess, drain(t, b)[0].Type)
		assert.Equal(t, 2, h.Stats().Rooms)
	})

	t.Run("it should move a rejoining client and refresh both rooms", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		drain(t, a)
		drain(t, b)

		join(t, h, b, "r2", "bob")

		events := drain(t, b)
		require.Len(t, events, 2)
		require.Equal(t, EventJoinSuccess, events[0].Type)
		requireRoomUsers(t, events[1], "r2", "bob")

		events = drain(t, a)
		require.Len(t, events, 1)
		requireRoomUsers(t, events[0], "r1", "alice")
		assert.Equal(t, 2, h.Stats().Joined)
	})

	t.Run("it should leave a client unjoined after a rejected rejoin", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		drain(t, a)
		drain(t, b)

		join(t, h, b, "r1", "alice")

		events := drain(t, b)
		require.Len(t, events, 1)
		requireError(t, events[0], EventJoinError, errTextNameTaken)

		events = drain(t, a)
		require.Len(t, events, 1)
		requireRoomUsers(t, events[0], "r1", "alice")

		chat(t, h, b, "still here?")
		events = drain(t, b)
		require.Len(t, events, 1)
		requireError(t, events[0], EventChatError, errTextNotJoined)
		assert.Empty(t, drain(t, a))
	})
}

func TestHubChat(t *testing.T) {
	t.Parallel()

	t.Run("it should reject chat before join", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, b, "r1", "bob")
		drain(t, b)

		chat(t, h, a, "hi")

		events := drain(t, a)
		require.Len(t, events, 1)
		requireError(t, events[0], EventChatError, errTextNotJoined)
		assert.Empty(t, drain(t, b))
	})

	t.Run("it should reject empty and whitespace messages", func(t *testing.T) {
		h := newTestHub(t)
		a := connect(h)
		join(t, h, a, "r1", "alice")
		drain(t, a)

		chat(t, h, a, "")
		chat(t, h, a, "  \t\n")
		h.handleFrame(a, []byte(`{"type":"chat"}`))

		events := drain(t, a)
		require.Len(t, events, 3)
		for _, env := range events {
			requireError(t, env, EventChatError, errTextEmptyMessage)
		}
	})

	t.Run("it should deliver to the sender's room only", func(t *testing.T) {
		h := newTestHub(t)
		a, b, c := connect(h), connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		join(t, h, c, "r2", "carol")
		drain(t, a)
		drain(t, b)
		drain(t, c)

		chat(t, h, a, "hi")

		for _, member := range []*Client{a, b} {
			events := drain(t, member)
			require.Len(t, events, 1)
			require.Equal(t, EventMessage, events[0].Type)
			assert.Equal(t, MessagePayload{Username: "alice", Message: "hi"}, decode[MessagePayload](t, events[0]))
		}
		assert.Empty(t, drain(t, c))
	})

	t.Run("it should ignore room and username in the payload", func(t *testing.T) {
		h := newTestHub(t)
		a, c := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, c, "r2", "carol")
		drain(t, a)
		drain(t, c)

		h.handleFrame(a, []byte(`{"type":"chat","payload":{"message":"hey","roomId":"r2","username":"carol"}}`))

		events := drain(t, a)
		require.Len(t, events, 1)
		assert.Equal(t, MessagePayload{Username: "alice", Message: "hey"}, decode[MessagePayload](t, events[0]))
		assert.Empty(t, drain(t, c))
	})

	t.Run("it should keep fanning out past a full queue", func(t *testing.T) {
		h := newTestHub(t)
		a, b, c := connect(h), connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		join(t, h, c, "r1", "carol")
		drain(t, a)
		drain(t, b)
		drain(t, c)

		for i := 0; i < cap(b.send); i++ {
			require.NoError(t, b.Send([]byte(`{}`)))
		}
		require.ErrorIs(t, b.Send([]byte(`{}`)), ErrSendQueueFull)
		dropped := testutil.ToFloat64(h.metrics.SendDropped)

		chat(t, h, a, "anyone?")

		assert.Len(t, drain(t, a), 1)
		assert.Len(t, drain(t, c), 1)
		assert.InDelta(t, dropped+1, testutil.ToFloat64(h.metrics.SendDropped), 0)
	})
}

func TestHubMalformedFrames(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	c := connect(h)
	join(t, h, c, "r1", "alice")
	drain(t, c)

	h.handleFrame(c, []byte(`{not json`))
	h.handleFrame(c, []byte(`"join"`))
	h.handleFrame(c, []byte(`{"type":"dance","payload":{}}`))

	events := drain(t, c)
	require.Len(t, events, 3)
	requireError(t, events[0], EventError, errTextInvalidJSON)
	requireError(t, events[1], EventError, errTextInvalidJSON)
	requireError(t, events[2], EventError, errTextUnsupported)

	// State is unchanged.
	assert.Equal(t, []string{"alice"}, h.RoomUsers("r1"))
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	t.Run("it should not broadcast when an unjoined client closes", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		drain(t, a)

		h.handleClose(b)

		assert.Empty(t, drain(t, a))
		assert.Equal(t, HubStats{Connections: 1, Joined: 1, Rooms: 1}, h.Stats())
	})

	t.Run("it should refresh the roster for remaining members", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		drain(t, a)
		drain(t, b)

		h.handleClose(a)

		events := drain(t, b)
		require.Len(t, events, 1)
		requireRoomUsers(t, events[0], "r1", "bob")
	})

	t.Run("it should drop the room with its last member", func(t *testing.T) {
		h := newTestHub(t)
		a := connect(h)
		join(t, h, a, "r1", "alice")
		drain(t, a)

		h.handleClose(a)

		assert.Empty(t, h.RoomUsers("r1"))
		assert.Equal(t, HubStats{}, h.Stats())
	})

	t.Run("it should clean up exactly once", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, a, "r1", "alice")
		join(t, h, b, "r1", "bob")
		drain(t, a)
		drain(t, b)

		h.handleClose(a)
		assert.NotPanics(t, func() { h.handleClose(a) })

		assert.Len(t, drain(t, b), 1)
		require.ErrorIs(t, a.Send([]byte(`{}`)), ErrClientClosed)
	})

	t.Run("it should ignore frames from a closed client", func(t *testing.T) {
		h := newTestHub(t)
		a, b := connect(h), connect(h)
		join(t, h, b, "r1", "bob")
		drain(t, b)

		h.handleClose(a)
		join(t, h, a, "r1", "alice")

		assert.Equal(t, []string{"bob"}, h.RoomUsers("r1"))
		assert.Empty(t, drain(t, b))
	})
}

func TestHubMetrics(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	a, b := connect(h), connect(h)
	join(t, h, a, "r1", "alice")
	join(t, h, b, "r1", "alice")
	chat(t, h, a, "hi")

	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.Connections), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.JoinedConnections), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Rooms), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues(CommandJoin, metrics.ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues(CommandJoin, metrics.ResultRejected)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EventsSent.WithLabelValues(EventMessage)), 0)
}

func TestHubRunLoop(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	go h.Run()

	a := NewClient(nil, h, "127.0.0.1:0")
	h.handleRegister(a)

	select {
	case h.inbound <- inboundFrame{client: a, data: frame(t, CommandJoin, JoinPayload{RoomID: "r1", Username: "alice"})}:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept inbound frame")
	}

	select {
	case data := <-a.GetSendChan():
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, EventJoinSuccess, env.Type)
	case <-time.After(time.Second):
		t.Fatal("no join_success received")
	}

	select {
	case h.unregister <- a:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept unregister")
	}

	require.NoError(t, h.Shutdown(time.Second))
	assert.False(t, h.Register(NewClient(nil, h, "127.0.0.1:0")))
	assert.Equal(t, HubStats{}, h.Stats())
}
