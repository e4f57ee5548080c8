package signaling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/telemetry"
)

var (
	ErrNoToken       = errors.New("no access token available")
	ErrNotConnected  = errors.New("signaling channel is not connected")
	ErrJoinTimeout   = errors.New("join acknowledgement timed out")
	ErrJoinRejected  = errors.New("join rejected by server")
	ErrChannelClosed = errors.New("signaling channel is closed")
)

// Handler consumes the raw payload of one signaling event.
type Handler func(data []byte)

// Channel owns one persistent, authenticated websocket connection to
// the signaling endpoint. It is independent from the text-chat
// channel's connection.
//
// Every handler must be registered with On before Join is called:
// the read loop starts as soon as the socket connects, and a fast
// server response would otherwise be dropped.
type Channel struct {
	endpoint string
	localID  core.ParticipantID
	name     string
	tokens   TokenProvider
	cfg      config.SignalingConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	handlers  map[EventKind][]Handler
	joinAck   chan JoinAck

	onReconnect      func()
	onConnectionLost func(error)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel builds a channel for one participant. endpoint is the
// websocket URL of the signaling server, e.g. ws://host/ws.
func NewChannel(endpoint string, localID core.ParticipantID, displayName string, tokens TokenProvider, cfg config.SignalingConfig) *Channel {
	return &Channel{
		endpoint: endpoint,
		localID:  localID,
		name:     displayName,
		tokens:   tokens,
		cfg:      cfg,
		handlers: make(map[EventKind][]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers a handler for one event kind. Registration must happen
// before Join.
func (c *Channel) On(kind EventKind, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[kind] = append(c.handlers[kind], handler)
}

// OnReconnect registers a callback invoked after the channel
// automatically re-established a dropped connection.
func (c *Channel) OnReconnect(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onReconnect = callback
}

// OnConnectionLost registers a callback invoked when the reconnect
// policy is exhausted.
func (c *Channel) OnConnectionLost(callback func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnectionLost = callback
}

// Connect dials the signaling endpoint. An already-connected channel
// is reused; a channel that exists but lost its socket is redialed
// rather than duplicated.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	token, err := c.tokens.AccessToken()
	if err != nil {
		return core.NewError(core.AuthError, "", err)
	}
	if token == "" {
		return core.NewError(core.AuthError, "", ErrNoToken)
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	return nil
}

// dial attempts the websocket handshake under the reconnect policy:
// transport timeouts are retried silently with fixed backoff, hard
// errors are surfaced immediately.
func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, core.NewError(core.ConnectionError, "", err)
	}
	q := u.Query()
	q.Set("userId", c.localID.String())
	q.Set("displayName", c.name)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}

	var lastErr error
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.ReconnectBackoff):
			case <-ctx.Done():
				return nil, core.NewError(core.ConnectionError, "", ctx.Err())
			case <-c.closed:
				return nil, ErrChannelClosed
			}
		}

		conn, resp, err := dialer.DialContext(ctx, u.String(), header)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.NewError(core.AuthError, "", err)
		}
		if !isTimeout(err) {
			return nil, core.NewError(core.ConnectionError, "", err)
		}

		log.Warn().Err(err).Str("service", "signaling").Int("attempt", attempt+1).Msg("dial timed out, retrying")
	}

	return nil, core.NewError(core.ConnectionError, "", lastErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Join requests entry to a room and waits for the server's
// acknowledgement. On timeout the join is reported as failed but the
// channel stays connected.
func (c *Channel) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ack := make(chan JoinAck, 2)
	c.joinAck = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.joinAck = nil
		c.mu.Unlock()
	}()

	if err := c.Emit(JoinRoomEvent, JoinRoom{RoomID: roomID}); err != nil {
		return err
	}

	timer := time.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case result := <-ack:
		if result.Message != "" {
			return core.NewError(core.ConnectionError, "", fmt.Errorf("%w: %s", ErrJoinRejected, result.Message))
		}
		return nil
	case <-timer.C:
		return core.NewError(core.ConnectionError, "", ErrJoinTimeout)
	case <-ctx.Done():
		return core.NewError(core.ConnectionError, "", ctx.Err())
	case <-c.closed:
		return ErrChannelClosed
	}
}

// Emit sends one event to the server.
func (c *Channel) Emit(kind EventKind, payload interface{}) error {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	data, err := env.ToJSON()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}

	telemetry.SignalMessageCounter.WithLabelValues(string(kind), "out").Inc()

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the channel down. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.handleDisconnect(err)
			}
			return
		}

		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	env, err := EnvelopeFromReader(bytes.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Str("service", "signaling").Msg("dropping signaling message")
		return
	}

	telemetry.SignalMessageCounter.WithLabelValues(string(env.Event), "in").Inc()

	if env.Event == JoinSuccessEvent || env.Event == JoinErrorEvent {
		c.deliverJoinAck(env)
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers[env.Event]))
	copy(handlers, c.handlers[env.Event])
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(env.Data)
	}
}

func (c *Channel) deliverJoinAck(env Envelope) {
	var ack JoinAck
	if err := UnmarshalPayload(env.Data, &ack); err != nil {
		ack = JoinAck{}
	}
	// A non-empty Message marks the ack as a rejection, so an error
	// event without a reason still needs one.
	if env.Event == JoinErrorEvent && ack.Message == "" {
		ack.Message = "join rejected"
	}

	c.mu.Lock()
	pending := c.joinAck
	c.mu.Unlock()

	if pending == nil {
		return
	}
	select {
	case pending <- ack:
	default:
	}
}

// handleDisconnect redials under the reconnect policy. Reconnect
// preserves the identity of this channel; any unacknowledged
// negotiation state is the caller's to rebuild via OnReconnect.
func (c *Channel) handleDisconnect(cause error) {
	log.Warn().Err(cause).Str("service", "signaling").Msg("connection lost, reconnecting")

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	lost := c.onConnectionLost
	again := c.onReconnect
	c.mu.Unlock()

	token, err := c.tokens.AccessToken()
	if err != nil || token == "" {
		if lost != nil {
			lost(core.NewError(core.AuthError, "", ErrNoToken))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(c.cfg.ReconnectAttempts+1)*(c.cfg.ConnectTimeout+c.cfg.ReconnectBackoff))
	defer cancel()

	conn, err := c.dial(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("service", "signaling").Msg("reconnect failed")
		if lost != nil {
			lost(err)
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	telemetry.ReconnectCounter.Inc()
	go c.readLoop(conn)

	if again != nil {
		again()
	}
}
