package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
)

func testChannelConfig() config.SignalingConfig {
	return config.SignalingConfig{
		ConnectTimeout:    time.Second,
		JoinTimeout:       200 * time.Millisecond,
		ReconnectAttempts: 1,
		ReconnectBackoff:  10 * time.Millisecond,
	}
}

// newSignalingServer runs an in-process websocket endpoint driving
// each accepted connection through handle.
func newSignalingServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func replyToJoin(t *testing.T, conn *websocket.Conn, reply EventKind) {
	t.Helper()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := EnvelopeFromReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Equal(t, JoinRoomEvent, env.Event)

	out, err := NewEnvelope(reply, JoinAck{RoomID: "standup"})
	require.NoError(t, err)
	raw, err := out.ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestConnectWithoutToken(t *testing.T) {
	ch := NewChannel("ws://localhost:1/ws", "alice", "Alice", StaticToken(""), testChannelConfig())
	defer ch.Close()

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.AuthError, core.KindOf(err))
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestConnectUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("bad"), testChannelConfig())
	defer ch.Close()

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.AuthError, core.KindOf(err))
}

func TestConnectSendsIdentity(t *testing.T) {
	got := make(chan *http.Request, 1)
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r
		conn.Close()
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	r := <-got
	assert.Equal(t, "alice", r.URL.Query().Get("userId"))
	assert.Equal(t, "Alice", r.URL.Query().Get("displayName"))
	assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
}

func TestJoinAcknowledged(t *testing.T) {
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		replyToJoin(t, conn, JoinSuccessEvent)
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	assert.NoError(t, ch.Join(context.Background(), "standup"))
}

func TestJoinRejected(t *testing.T) {
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		replyToJoin(t, conn, JoinErrorEvent)
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	err := ch.Join(context.Background(), "standup")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinRejected)
}

func TestJoinRejectedCarriesReason(t *testing.T) {
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)

		env, err := NewEnvelope(JoinErrorEvent, JoinAck{RoomID: "standup", Message: "room is locked"})
		require.NoError(t, err)
		raw, err := env.ToJSON()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	err := ch.Join(context.Background(), "standup")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinRejected)
	assert.Contains(t, err.Error(), "room is locked")
}

func TestReconnectRedialsAndResumes(t *testing.T) {
	var conns int32
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// The first connection is dropped server-side; later ones stay.
		if atomic.AddInt32(&conns, 1) == 1 {
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	reconnected := make(chan struct{}, 1)
	ch.OnReconnect(func() { reconnected <- struct{}{} })

	require.NoError(t, ch.Connect(context.Background()))

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not reconnect")
	}

	assert.EqualValues(t, 2, atomic.LoadInt32(&conns))

	// The redialed socket is usable.
	assert.NoError(t, ch.Emit(MediaChangedEvent, MediaChanged{UserID: "alice"}))
}

func TestConnectionLostWhenReconnectExhausted(t *testing.T) {
	var calls int32
	stall := make(chan struct{})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			conn.Close()
			return
		}
		// Never answer the handshake so every redial times out.
		<-stall
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stall) })

	cfg := testChannelConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond
	cfg.ReconnectAttempts = 2

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), cfg)
	defer ch.Close()

	lost := make(chan error, 1)
	ch.OnConnectionLost(func(err error) { lost <- err })

	require.NoError(t, ch.Connect(context.Background()))

	select {
	case err := <-lost:
		assert.Equal(t, core.ConnectionError, core.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss was not reported")
	}

	// One accepted connection plus one stalled handshake per attempt.
	assert.EqualValues(t, 1+cfg.ReconnectAttempts, atomic.LoadInt32(&calls))
}

func TestJoinTimeoutKeepsChannelConnected(t *testing.T) {
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Swallow the join request and never acknowledge it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	err := ch.Join(context.Background(), "standup")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJoinTimeout)

	// The socket survived the failed join.
	assert.NoError(t, ch.Emit(MediaChangedEvent, MediaChanged{UserID: "alice"}))
}

func TestHandlersReceiveEvents(t *testing.T) {
	endpoint := newSignalingServer(t, func(conn *websocket.Conn, _ *http.Request) {
		env, err := NewEnvelope(UserJoinedEvent, core.Participant{ID: "bob", DisplayName: "Bob"})
		require.NoError(t, err)
		raw, err := env.ToJSON()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := NewChannel(endpoint, "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	joined := make(chan []byte, 1)
	ch.On(UserJoinedEvent, func(data []byte) {
		joined <- data
	})

	require.NoError(t, ch.Connect(context.Background()))

	select {
	case data := <-joined:
		assert.Contains(t, string(data), `"userId":"bob"`)
	case <-time.After(time.Second):
		t.Fatal("user_joined was not dispatched")
	}
}

func TestEmitBeforeConnect(t *testing.T) {
	ch := NewChannel("ws://localhost:1/ws", "alice", "Alice", StaticToken("secret"), testChannelConfig())
	defer ch.Close()

	assert.ErrorIs(t, ch.Emit(JoinRoomEvent, JoinRoom{RoomID: "standup"}), ErrNotConnected)
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := NewChannel("ws://localhost:1/ws", "alice", "Alice", StaticToken("secret"), testChannelConfig())

	ch.Close()
	ch.Close()
}
