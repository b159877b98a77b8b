// Package websocket is the signaling transport: it upgrades client
// connections, assigns each one an opaque handle, feeds inbound messages to
// the coordinator in arrival order and drains the connection's wire back out.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hango-video/hango/coordinator"
	"github.com/hango-video/hango/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultJoinTimeout = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	wireBuffer = 32
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Coordinator is the meeting-room core this transport feeds.
	Coordinator interface {
		Join(ctx context.Context, handle, roomCode string, p model.Participant, wire model.Wire) (*model.RoomSnapshot, error)
		Leave(handle string)
		Disconnect(handle string)
		RelayChat(handle, text string)
		RelayMediaState(handle, field string, enabled bool)
		RelaySignal(handle, target string, payload json.RawMessage)
		JoinAdmin(handle string, wire model.Wire)
	}

	Config struct {
		Logger      *zerolog.Logger
		Coordinator Coordinator
		ListenAddr  string
	}

	Server struct {
		coord Coordinator
		ws    *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

// envelope is the flat JSON frame exchanged with clients; Type selects which
// of the remaining fields matter.
type envelope struct {
	Type        string            `json:"type"`
	RoomCode    string            `json:"room_code,omitempty"`
	Participant model.Participant `json:"participant,omitempty"`
	Text        string            `json:"text,omitempty"`
	Field       string            `json:"field,omitempty"`
	Enabled     bool              `json:"enabled,omitempty"`
	Target      string            `json:"target,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		coord:  cfg.Coordinator,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	handle := uuid.NewString()
	wire := model.NewWire(wireBuffer)

	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context

	srv.logger.Debug().Str("handle", handle).Msg("client connected")
	go srv.handleWSConn(ctx, cancel, conn, handle, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	handle string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().Str("handle", handle).Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, handle, wire, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	wire.Close()
	srv.coord.Disconnect(handle)
	logger.Debug().Msg("client disconnected")
}

// dispatch routes one inbound frame to the coordinator. Runs on the receive
// goroutine, so a connection's messages are handled in the order sent.
func (srv *Server) dispatch(ctx context.Context, handle string, wire model.Wire, env *envelope, logger *zerolog.Logger) {
	switch env.Type {
	case model.MessageJoinRoom:
		jCtx, jCancel := context.WithTimeout(ctx, defaultJoinTimeout)
		snap, err := srv.coord.Join(jCtx, handle, env.RoomCode, env.Participant, wire)
		jCancel()
		if err != nil {
			logger.Debug().Err(err).Str("roomCode", env.RoomCode).Msg("join rejected")
			pushEvent(ctx, wire, model.Event{
				Type:    model.EventRoomError,
				Payload: model.RoomError{Reason: errorReason(err)},
			})
			return
		}
		pushEvent(ctx, wire, model.Event{Type: model.EventRoomJoined, Payload: snap})
	case model.MessageLeaveRoom:
		srv.coord.Leave(handle)
	case model.MessageSendChat:
		srv.coord.RelayChat(handle, env.Text)
	case model.MessageToggleMedia:
		srv.coord.RelayMediaState(handle, env.Field, env.Enabled)
	case model.MessageRelaySignal:
		srv.coord.RelaySignal(handle, env.Target, env.Payload)
	case model.MessageJoinAdmin:
		srv.coord.JoinAdmin(handle, wire)
	default:
		logger.Debug().Str("type", env.Type).Msg("unknown message type dropped")
	}
}

func errorReason(err error) string {
	if errors.Is(err, coordinator.ErrRoomNotFound) {
		return model.ReasonRoomNotFound
	}
	return model.ReasonStoreUnavailable
}

// pushEvent queues an event for the connection's own sender pump.
func pushEvent(ctx context.Context, wire model.Wire, ev model.Event) {
	select {
	case wire.TX <- ev:
	case <-ctx.Done():
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case ev, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing event")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	handle string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env envelope
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			} else {
				srv.dispatch(ctx, handle, wire, &env, logger)
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
