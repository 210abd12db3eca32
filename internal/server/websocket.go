package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/projectpulse/notifier/internal/auth"
	"github.com/projectpulse/notifier/internal/event"
	"github.com/projectpulse/notifier/internal/gateway"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// WebSocketServer accepts dashboard connections and speaks the typed
// frame protocol: PING/PONG for liveness, SUBSCRIBE to pick a project
// scope, typed update frames outbound.
type WebSocketServer struct {
	logger             *zap.Logger
	upgrader           *websocket.Upgrader
	registry           gateway.Registry
	authenticator      *auth.Authenticator
	projectIdValidator *ProjectIdValidator
	sendBufferSize     int
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	registry gateway.Registry,
	authenticator *auth.Authenticator,
	projectIdValidator *ProjectIdValidator,
	sendBufferSize int,
) *WebSocketServer {
	return &WebSocketServer{
		logger,
		upgrader,
		registry,
		authenticator,
		projectIdValidator,
		sendBufferSize,
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/ws", s.handle)
}

func (s *WebSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionId := gonanoid.Must()
	connection := gateway.NewConnection(connectionId, newWebSocketTransport(conn), s.sendBufferSize)

	logger := s.logger.With(zap.String("connectionId", connectionId))

	// An optional token identifies the user and gates which projects
	// the connection may subscribe to. Anonymous connections subscribe
	// freely; authorization is enforced upstream of token issuance.
	var authentication *auth.Authentication
	if token := r.URL.Query().Get("token"); token != "" {
		authentication, err = s.authenticator.AuthenticateJWT(token)
		if err != nil {
			logger.Warn("rejecting connection with invalid token", zap.Error(err))
			conn.Close()
			return
		}

		connection.SetUserId(authentication.Subject)
	}

	if err := s.registry.Register(connection); err != nil {
		logger.Error("failed to register connection", zap.Error(err))
		conn.Close()
		return
	}

	logger.Info("connection established",
		zap.String("userId", connection.UserId()))

	connection.Enqueue(event.Message{
		Type: event.TypeStatusUpdate,
		Data: map[string]any{
			"message":      "connected",
			"connectionId": connectionId,
		},
		Timestamp: time.Now(),
		MessageId: gonanoid.Must(),
	})

	s.readLoop(logger, conn, connection, authentication)
}

// readLoop consumes inbound frames until the transport reports closure
// or an error; both paths remove the connection from the registry.
func (s *WebSocketServer) readLoop(
	logger *zap.Logger,
	conn *websocket.Conn,
	connection *gateway.Connection,
	authentication *auth.Authentication,
) {
	conn.SetReadLimit(4096)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// A close frame from the client or our own transport teardown
			// after an eviction; anything else is a transport failure.
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				logger.Info("connection closed")
			} else {
				logger.Warn("connection errored", zap.Error(err))
			}

			s.registry.Remove(connection.Id)

			return
		}

		var m event.Message
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		s.dispatch(logger, connection, authentication, m)
	}
}

func (s *WebSocketServer) dispatch(
	logger *zap.Logger,
	connection *gateway.Connection,
	authentication *auth.Authentication,
	m event.Message,
) {
	// Any well-formed inbound frame proves the client is alive.
	s.registry.UpdateLiveness(connection.Id, time.Now())

	switch m.Type {
	case event.TypePing:
		connection.Enqueue(event.Message{
			Type:      event.TypePong,
			Timestamp: time.Now(),
			MessageId: m.MessageId,
		})
	case event.TypePong:
		// Liveness already updated above.
	case event.TypeSubscribe:
		s.subscribe(logger, connection, authentication, m.ProjectId)
	case event.TypeMetricUpdate:
		// Legacy dashboards subscribe by sending a METRIC_UPDATE frame
		// carrying a projectId.
		if m.ProjectId == "" {
			logger.Warn("dropping inbound metric update without projectId")
			return
		}

		logger.Debug("legacy subscribe frame", zap.String("projectId", m.ProjectId))
		s.subscribe(logger, connection, authentication, m.ProjectId)
	default:
		logger.Warn("dropping frame with unsupported type",
			zap.String("type", string(m.Type)))
	}
}

func (s *WebSocketServer) subscribe(
	logger *zap.Logger,
	connection *gateway.Connection,
	authentication *auth.Authentication,
	projectId string,
) {
	if err := s.projectIdValidator.Validate(projectId); err != nil {
		logger.Warn("dropping subscribe with invalid projectId",
			zap.String("projectId", projectId))

		return
	}

	if authentication != nil && !authentication.IsSubscriber() {
		logger.Warn("denying subscribe without subscribe scope",
			zap.String("projectId", projectId),
			zap.String("userId", authentication.Subject))

		s.denySubscription(connection, projectId)

		return
	}

	if authentication != nil && !authentication.IsAuthorized(projectId) {
		logger.Warn("denying subscribe to unauthorized project",
			zap.String("projectId", projectId),
			zap.String("userId", authentication.Subject))

		s.denySubscription(connection, projectId)

		return
	}

	connection.SetProjectScope(projectId)

	logger.Info("connection subscribed", zap.String("projectId", projectId))

	connection.Enqueue(event.Message{
		Type:      event.TypeStatusUpdate,
		ProjectId: projectId,
		Data:      map[string]any{"message": "subscribed"},
		Timestamp: time.Now(),
		MessageId: gonanoid.Must(),
	})
}

func (s *WebSocketServer) denySubscription(connection *gateway.Connection, projectId string) {
	connection.Enqueue(event.Message{
		Type:      event.TypeStatusUpdate,
		ProjectId: projectId,
		Data:      map[string]any{"message": "subscription denied"},
		Timestamp: time.Now(),
		MessageId: gonanoid.Must(),
	})
}

type webSocketTransport struct {
	conn *websocket.Conn
}

func newWebSocketTransport(conn *websocket.Conn) *webSocketTransport {
	return &webSocketTransport{
		conn,
	}
}

func (t *webSocketTransport) WriteMessage(m event.Message) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return t.conn.WriteJSON(m)
}

func (t *webSocketTransport) Close() error {
	return t.conn.Close()
}
