package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"switchboard/internal/auth/models"
	"switchboard/pkg/platform/middleware/metadata"
)

const (
	maxMessageBytes = 64 << 10
	pongWait        = 60 * time.Second
)

// Publisher hands an event to the broadcast layer.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
}

// SessionExtractor reads an optional session from the upgrade request.
type SessionExtractor interface {
	Extract(r *http.Request) (*models.Claim, error)
}

// Handler upgrades HTTP requests to websocket connections and registers
// them with the process registry.
type Handler struct {
	registry  *Registry
	publisher Publisher
	sessions  SessionExtractor
	logger    *slog.Logger
	recorder  SlowClientRecorder
	upgrader  websocket.Upgrader
	transport TransportOptions
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTransportOptions overrides the default transport tuning.
func WithTransportOptions(opts TransportOptions) HandlerOption {
	return func(h *Handler) { h.transport = opts }
}

// WithSlowClientRecorder counts dropped slow clients.
func WithSlowClientRecorder(rec SlowClientRecorder) HandlerOption {
	return func(h *Handler) { h.recorder = rec }
}

// NewHandler builds the websocket endpoint. Only upgrade requests whose
// Origin equals allowedOrigin are accepted; requests without an Origin
// header (non-browser clients) are let through.
func NewHandler(registry *Registry, publisher Publisher, sessions SessionExtractor, allowedOrigin string, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:  registry,
		publisher: publisher,
		sessions:  sessions,
		logger:    logger.With("component", "realtime"),
		transport: DefaultTransportOptions(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type connectedData struct {
	ConnectionID string `json:"connection_id"`
	SubjectID    string `json:"subject_id,omitempty"`
	Handle       string `json:"handle,omitempty"`
}

type topicData struct {
	Topic string `json:"topic"`
}

type errorData struct {
	Message string `json:"message"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claim, err := h.sessions.Extract(r)
	if err != nil {
		// An invalid cookie downgrades to an anonymous connection.
		h.logger.DebugContext(r.Context(), "ignoring invalid session on upgrade", "error", err)
		claim = nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	transport := newWSTransport(conn, h.transport, h.recorder)
	agent := metadata.DescribeAgent(r.UserAgent())
	if err := h.registry.Register(id, transport, WithAgent(agent)); err != nil {
		h.logger.ErrorContext(r.Context(), "register connection", "error", err)
		_ = transport.Close()
		return
	}
	defer h.registry.Unregister(id)

	hello := connectedData{ConnectionID: id}
	if claim != nil {
		if err := h.registry.BindIdentity(id, claim.SubjectID); err != nil {
			h.logger.WarnContext(r.Context(), "bind identity", "error", err)
		} else {
			hello.SubjectID = claim.SubjectID
			hello.Handle = claim.Handle
		}
	}

	go transport.writePump()
	h.system(transport, "connected", hello)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	h.readLoop(ctx, id, conn, transport)
}

func (h *Handler) readLoop(ctx context.Context, id string, conn *websocket.Conn, transport *wsTransport) {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("websocket read ended", "connection_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.MarkActive(id)

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.system(transport, "error", errorData{Message: "invalid frame"})
			continue
		}
		h.handleFrame(ctx, id, transport, frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, id string, transport *wsTransport, frame ClientFrame) {
	if err := ValidateTopic(frame.Topic); err != nil {
		h.system(transport, "error", errorData{Message: err.Error()})
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		if !h.authorize(id, transport, frame.Topic) {
			return
		}
		if err := h.registry.Subscribe(id, frame.Topic); err != nil {
			h.system(transport, "error", errorData{Message: "subscribe failed"})
			return
		}
		h.system(transport, "subscribed", topicData{Topic: frame.Topic})
	case FrameUnsubscribe:
		if err := h.registry.Unsubscribe(id, frame.Topic); err != nil {
			h.system(transport, "error", errorData{Message: "unsubscribe failed"})
			return
		}
		h.system(transport, "unsubscribed", topicData{Topic: frame.Topic})
	case FramePublish:
		if frame.Event == "" {
			h.system(transport, "error", errorData{Message: "event is required"})
			return
		}
		if !h.authorize(id, transport, frame.Topic) {
			return
		}
		if err := h.publisher.Publish(ctx, frame.Topic, frame.Event, frame.Data); err != nil {
			h.logger.WarnContext(ctx, "client publish failed", "connection_id", id, "topic", frame.Topic, "error", err)
			h.system(transport, "error", errorData{Message: "publish failed"})
		}
	default:
		h.system(transport, "error", errorData{Message: "unknown frame type"})
	}
}

// authorize reports whether the connection's bound subject may use topic
// and answers with an error frame when it may not.
func (h *Handler) authorize(id string, transport Transport, topic string) bool {
	entry, _ := h.registry.Get(id)
	if err := AuthorizeTopic(topic, entry.Subject); err != nil {
		h.system(transport, "error", errorData{Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) system(transport Transport, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encode system frame", "error", err)
		return
	}
	frame, err := json.Marshal(Frame{Topic: SystemTopic, Event: event, Data: payload})
	if err != nil {
		h.logger.Error("encode system frame", "error", err)
		return
	}
	_ = transport.Send(frame)
}
