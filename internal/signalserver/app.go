package signalserver

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/signaling"
)

const wsClientKey = "client"

// client is the per-socket state stored in the melody session.
type client struct {
	id   core.ParticipantID
	name string

	roomID string
}

// AppOptions configures the signaling server application.
type AppOptions struct {
	Env    core.Environment
	Config *config.Config
	// Bus is the cross-node fanout. Nil selects a private in-memory
	// broker, which is correct for a single node.
	Bus Bus
	// NodeID identifies this node on the bus. Must match the id the
	// bus dedupes on; generated when empty.
	NodeID string
}

// App is the signaling server: one websocket endpoint speaking the
// meeting protocol, room bookkeeping and per-pair message relay.
type App struct {
	AppOptions

	nodeID    string
	websocket *melody.Melody
	rooms     *Rooms
	bus       Bus
}

func New(options AppOptions) *App {
	nodeID := options.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	app := &App{
		AppOptions: options,
		nodeID:     nodeID,
		rooms:      NewRooms(),
	}

	app.websocket = melody.New()
	app.websocket.Config.MaxMessageSize = 200 * 1024 // 200K

	app.bus = options.Bus
	if app.bus == nil {
		app.bus = NewMemoryBroker().Bus(app.nodeID)
	}

	return app
}

func (app *App) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	app.initLogger()
	router := app.InitRouter()

	if err := app.bus.Subscribe(app.handleFanout); err != nil {
		return err
	}

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Config.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Warn().Msg("received signal to terminate the server")
		app.bus.Close()
		close(done)
	})

	go func() {
		<-quit
		log.Warn().Msg("the server is going shutting down")

		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	log.Info().Str("service", "signalserver").Str("address", app.Config.Server.Address).Msg("signaling server listening")

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server has been closed immediatelly")
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

func (app *App) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel
	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// InitRouter constructs the http router. Exported so tests can mount
// the app on an in-process listener.
func (app *App) InitRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(app.handleConnect)
	app.websocket.HandleDisconnect(app.handleDisconnect)
	app.websocket.HandleMessage(app.handleMessage)
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "signalserver").Msg("error in websocket session")
	})

	r.Get("/ws", app.wsHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rooms/{roomID}/end", app.endRoomHandler)
	r.Post("/rooms/{roomID}/participants/{userID}/kick", app.kickHandler)

	return r
}

func (app *App) wsHandler(w http.ResponseWriter, r *http.Request) {
	if token := app.Config.Server.AuthToken; token != "" {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	displayName := r.URL.Query().Get("displayName")
	if displayName == "" {
		displayName = userID
	}

	keys := map[string]interface{}{
		wsClientKey: &client{id: core.ParticipantID(userID), name: displayName},
	}

	if err := app.websocket.HandleRequestWithKeys(w, r, keys); err != nil {
		log.Error().Err(err).Str("service", "signalserver").Msg("can't handle request")
	}
}

func (app *App) handleConnect(session *melody.Session) {
	c := clientFromSession(session)
	if c == nil {
		session.Close()
		return
	}
	log.Debug().Str("service", "signalserver").Str("user", c.id.String()).Msg("socket connected")
}

func (app *App) handleDisconnect(session *melody.Session) {
	c := clientFromSession(session)
	if c == nil || c.roomID == "" {
		return
	}

	if !app.rooms.Leave(c.roomID, c.id) {
		return
	}
	log.Info().Str("service", "signalserver").Str("user", c.id.String()).Str("room", c.roomID).Msg("participant left")

	data, err := envelopeJSON(signaling.UserLeftEvent, core.Participant{ID: c.id, DisplayName: c.name})
	if err != nil {
		return
	}
	app.broadcast(c.roomID, c.id, data)
}

func (app *App) handleMessage(session *melody.Session, msg []byte) {
	c := clientFromSession(session)
	if c == nil {
		session.Close()
		return
	}

	env, err := signaling.EnvelopeFromReader(bytes.NewReader(msg))
	if err != nil {
		log.Warn().Err(err).Str("service", "signalserver").Str("user", c.id.String()).Msg("dropping message")
		return
	}

	switch env.Event {
	case signaling.JoinRoomEvent:
		app.handleJoin(session, c, env)
	case signaling.OfferEvent, signaling.AnswerEvent:
		app.relayDescription(c, env)
	case signaling.ICECandidateEvent:
		app.relayCandidate(c, env)
	case signaling.MediaChangedEvent:
		app.handleMediaChanged(c, env)
	default:
		log.Warn().Str("service", "signalserver").Str("event", string(env.Event)).Msg("unexpected client event")
	}
}

func (app *App) handleJoin(session *melody.Session, c *client, env signaling.Envelope) {
	var join signaling.JoinRoom
	if err := unmarshalPayload(env, &join); err != nil || join.RoomID == "" {
		app.writeEnvelope(session, signaling.JoinErrorEvent, signaling.JoinAck{Message: "bad join request"})
		return
	}

	participant := core.Participant{ID: c.id, DisplayName: c.name}
	if err := app.rooms.Join(join.RoomID, participant, session); err != nil {
		app.writeEnvelope(session, signaling.JoinErrorEvent, signaling.JoinAck{RoomID: join.RoomID, Message: err.Error()})
		return
	}
	c.roomID = join.RoomID

	log.Info().Str("service", "signalserver").Str("user", c.id.String()).Str("room", join.RoomID).Msg("participant joined")

	app.writeEnvelope(session, signaling.JoinSuccessEvent, signaling.JoinAck{RoomID: join.RoomID})
	app.writeEnvelope(session, signaling.UsersOnlineEvent, signaling.Roster{
		Users: app.rooms.Participants(join.RoomID, c.id),
	})

	data, err := envelopeJSON(signaling.UserJoinedEvent, participant)
	if err != nil {
		return
	}
	app.broadcast(join.RoomID, c.id, data)
}

// relayDescription forwards an offer or answer to its target with the
// sender identity filled in server-side, so a client cannot spoof
// another participant.
func (app *App) relayDescription(c *client, env signaling.Envelope) {
	var desc signaling.SessionDesc
	if err := unmarshalPayload(env, &desc); err != nil {
		log.Warn().Err(err).Str("service", "signalserver").Msg("malformed description")
		return
	}
	desc.SenderID = c.id
	desc.RoomID = c.roomID

	data, err := envelopeJSON(env.Event, desc)
	if err != nil {
		return
	}
	app.relay(c.roomID, desc.TargetUserID, data)
}

func (app *App) relayCandidate(c *client, env signaling.Envelope) {
	var candidate signaling.Candidate
	if err := unmarshalPayload(env, &candidate); err != nil {
		log.Warn().Err(err).Str("service", "signalserver").Msg("malformed candidate")
		return
	}
	candidate.SenderID = c.id
	candidate.RoomID = c.roomID

	data, err := envelopeJSON(env.Event, candidate)
	if err != nil {
		return
	}
	app.relay(c.roomID, candidate.TargetUserID, data)
}

func (app *App) handleMediaChanged(c *client, env signaling.Envelope) {
	var changed signaling.MediaChanged
	if err := unmarshalPayload(env, &changed); err != nil {
		log.Warn().Err(err).Str("service", "signalserver").Msg("malformed media change")
		return
	}
	changed.UserID = c.id

	if !app.rooms.SetMedia(c.roomID, c.id, changed.MicEnabled, changed.CameraEnabled) {
		return
	}

	data, err := envelopeJSON(signaling.MediaChangedEvent, changed)
	if err != nil {
		return
	}
	app.broadcast(c.roomID, c.id, data)
}

func (app *App) endRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	data, err := envelopeJSON(signaling.RoomEndedEvent, signaling.RoomEnded{RoomID: roomID, Message: "room ended"})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	app.broadcast(roomID, "", data)

	if !app.rooms.End(roomID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// kickHandler force-disconnects one participant's socket. The normal
// disconnect flow removes them from the room and announces user_left;
// the client may reconnect and rejoin.
func (app *App) kickHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := core.ParticipantID(chi.URLParam(r, "userID"))

	if !app.rooms.Kick(roomID, userID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relay delivers to a local socket when the target is on this node,
// otherwise hands the message to the fanout bus.
func (app *App) relay(roomID string, target core.ParticipantID, data []byte) {
	if app.rooms.Write(roomID, target, data) {
		return
	}
	err := app.bus.Publish(BusMessage{
		Origin: app.nodeID,
		RoomID: roomID,
		Target: target.String(),
		Data:   data,
	})
	if err != nil {
		log.Error().Err(err).Str("service", "signalserver").Str("peer", target.String()).Msg("fanout publish")
	}
}

// broadcast delivers to every local member except exclude and mirrors
// the message to the other nodes.
func (app *App) broadcast(roomID string, exclude core.ParticipantID, data []byte) {
	app.rooms.Broadcast(roomID, exclude, data)

	err := app.bus.Publish(BusMessage{
		Origin: app.nodeID,
		RoomID: roomID,
		Data:   data,
	})
	if err != nil {
		log.Error().Err(err).Str("service", "signalserver").Msg("fanout publish")
	}
}

func (app *App) handleFanout(msg BusMessage) {
	if msg.Target != "" {
		app.rooms.Write(msg.RoomID, core.ParticipantID(msg.Target), msg.Data)
		return
	}
	app.rooms.Broadcast(msg.RoomID, "", msg.Data)
}

func (app *App) writeEnvelope(session *melody.Session, kind signaling.EventKind, payload interface{}) {
	data, err := envelopeJSON(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("service", "signalserver").Msg("encode envelope")
		return
	}
	if err := session.Write(data); err != nil {
		log.Warn().Err(err).Str("service", "signalserver").Msg("write to session")
	}
}

func envelopeJSON(kind signaling.EventKind, payload interface{}) ([]byte, error) {
	env, err := signaling.NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	return env.ToJSON()
}

func unmarshalPayload(env signaling.Envelope, out interface{}) error {
	return signaling.UnmarshalPayload(env.Data, out)
}

func clientFromSession(session *melody.Session) *client {
	value, ok := session.Get(wsClientKey)
	if !ok {
		return nil
	}
	c, ok := value.(*client)
	if !ok {
		return nil
	}
	return c
}
