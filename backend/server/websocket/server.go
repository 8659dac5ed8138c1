package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-relay/backend/model"
	sw "github.com/adwski/webrtc-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		Open(wire *model.Wire) error
		Handle(senderID string, raw []byte, binary bool) error
		Close(id string)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		// Path of the websocket endpoint, "/" if empty.
		Path string
		// QueueSize is the per-connection outbound queue length.
		QueueSize int
		// MaxMessageSize limits inbound frames, 0 means no limit.
		MaxMessageSize int64
		PingInterval   time.Duration
		PongWait       time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		queueSize      int
		maxMessageSize int64
		pingInterval   time.Duration
		pongWait       time.Duration

		// connCtx is the parent of every connection context; it is canceled
		// on shutdown so that open connections get a close frame.
		connCtx    context.Context
		connCancel context.CancelFunc
		mx         *sync.Mutex
		conns      *sync.WaitGroup
		closing    bool

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	connCtx, connCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		queueSize:      cfg.QueueSize,
		maxMessageSize: cfg.MaxMessageSize,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		connCtx:        connCtx,
		connCancel:     connCancel,
		mx:             &sync.Mutex{},
		conns:          &sync.WaitGroup{},
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + (defaultPongWait - defaultPingInterval)
	}

	path := cfg.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, srv.signal)

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
		srv.closeConnections(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.closeConnections(shCtx)
	}
}

// closeConnections closes every hijacked websocket connection, which
// http.Server.Shutdown leaves alone, and waits for their handlers.
func (srv *Server) closeConnections(ctx context.Context) {
	srv.mx.Lock()
	srv.closing = true
	srv.mx.Unlock()
	srv.connCancel()

	done := make(chan struct{})
	go func() {
		srv.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.logger.Error().Msg("timed out waiting for connections to close")
	}
}

func (srv *Server) trackConn() bool {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	if srv.closing {
		return false
	}
	srv.conns.Add(1)
	return true
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	if !srv.trackConn() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer srv.conns.Done()

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	var (
		wire   = model.NewWire(srv.queueSize)
		logger = srv.logger.With().
			Str("conn", wire.ID).
			Str("remote", r.RemoteAddr).
			Logger()
		state = model.StateConnecting
	)
	transition := func(ev model.Event) {
		next, tErr := state.Next(ev)
		if tErr != nil {
			logger.Error().Err(tErr).Msg("connection state machine")
			return
		}
		logger.Debug().
			Stringer("from", state).
			Stringer("to", next).
			Stringer("event", ev).
			Msg("connection state changed")
		state = next
	}

	if err = srv.svc.Open(wire); err != nil {
		logger.Error().Err(err).Msg("failed to open signaling session")
		transition(model.EventShutdown)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, sw.ErrRegistryFull) {
			code = websocket.CloseTryAgainLater
		}
		webSocketCloser(conn, code, err.Error(), &logger)
		return
	}
	transition(model.EventAccepted)

	transition(srv.handleWSConn(conn, wire, &logger))
	srv.svc.Close(wire.ID)
}

// handleWSConn runs the receive and send loops of one open connection and
// returns the event that ended it.
func (srv *Server) handleWSConn(conn *websocket.Conn, wire *model.Wire, logger *zerolog.Logger) model.Event {
	var (
		wg     = &sync.WaitGroup{}
		events = make(chan model.Event, 2)
	)
	ctx, cancel := context.WithCancel(srv.connCtx)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		events <- srv.webSocketReceiver(ctx, conn, wire.ID, logger)
		cancel()
	}()
	go func() {
		defer wg.Done()
		ev := srv.webSocketSender(ctx, conn, wire.TX, logger)
		events <- ev
		cancel()

		// The sender is the only writer, so it also sends the close frame.
		// Closing the socket unblocks the receiver.
		code, reason := websocket.CloseNormalClosure, ""
		if ev == model.EventShutdown {
			code, reason = websocket.CloseGoingAway, "relay is shutting down"
		}
		webSocketCloser(conn, code, reason, logger)
	}()

	wg.Wait()
	return <-events
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) model.Event {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if srv.connCtx.Err() != nil {
				return model.EventShutdown
			}
			// the receiver has ended the connection
			return model.EventCloseMessage
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				return model.EventTransportError
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				return model.EventTransportError
			}
			logger.Trace().Msg("ping sent")

		case env, ok := <-tx:
			if !ok {
				logger.Warn().Msg("connection dropped by relay")
				return model.EventEvicted
			}

			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				return model.EventTransportError
			}
			msgType := websocket.TextMessage
			if env.Binary {
				msgType = websocket.BinaryMessage
			}
			wsW, wsErr := conn.NextWriter(msgType)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket writer")
				return model.EventTransportError
			}
			_, wsErr = wsW.Write(env.Raw)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				return model.EventTransportError
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				return model.EventTransportError
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	connID string,
	logger *zerolog.Logger,
) model.Event {
	if srv.maxMessageSize > 0 {
		conn.SetReadLimit(srv.maxMessageSize)
	}
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	if err := readDeadLineFunc(srv.pongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return model.EventTransportError
	}

	for {
		select {
		case <-ctx.Done():
			return model.EventShutdown
		default:
		}

		msgType, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				logger.Info().Err(wsErr).Msg("connection closed")
				return model.EventCloseMessage
			}
			if ctx.Err() != nil {
				return model.EventShutdown
			}
			logger.Error().Err(wsErr).Msg("unexpected error during receive")
			return model.EventTransportError
		}

		// Dropped messages are logged by the service and never close the
		// connection.
		_ = srv.svc.Handle(connID, msg, msgType == websocket.BinaryMessage)
	}
}

func webSocketCloser(conn *websocket.Conn, code int, reason string, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send websocket close frame")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
