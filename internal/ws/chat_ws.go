package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"marketplace-chat/internal/observability"
)

const writeWait = 10 * time.Second

// ChatWebSocketHandler upgrades /room/:group requests and hands them to the relay.
type ChatWebSocketHandler struct {
	relay    *Relay
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(relay *Relay, log zerolog.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Register mounts the websocket route with and without a trailing slash;
// websocket clients do not follow redirects.
func (h *ChatWebSocketHandler) Register(router gin.IRouter) {
	router.GET("/room/:group", h.Handle)
	router.GET("/room/:group/", h.Handle)
}

// Handle upgrades the connection and serves it until the peer goes away.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	group := c.Param("group")
	if !ValidGroup(group) {
		// No channel exists yet to report on; refuse the upgrade quietly.
		h.log.Warn().Err(ErrRouting).Str("group", group).Msg("websocket connect without room group")
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	_, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.End()

	_ = h.relay.Serve(c.Request.Context(), &deadlineConn{Conn: conn}, group, c.Query("user_id"), info)
}

// deadlineConn bounds every write so a stalled peer cannot pin its writer.
type deadlineConn struct {
	*websocket.Conn
}

func (d *deadlineConn) WriteMessage(messageType int, data []byte) error {
	if err := d.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return d.Conn.WriteMessage(messageType, data)
}
