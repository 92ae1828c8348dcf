package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/rooms"
	"marketplace-chat/internal/telemetry"
)

// RelayOptions configures a Relay. Zero values fall back to defaults.
type RelayOptions struct {
	QueueSize      int
	PersistTimeout time.Duration
	Events         *observability.EventPublisher
	Audit          *telemetry.AuditEmitter
	Logger         zerolog.Logger
}

// Relay runs the connect / receive / disconnect state machine of every
// websocket connection and routes chat frames through the hub.
type Relay struct {
	hub            *Hub
	users          repositories.UserDirectory
	messages       repositories.MessageRepository
	events         *observability.EventPublisher
	audit          *telemetry.AuditEmitter
	log            zerolog.Logger
	queueSize      int
	persistTimeout time.Duration
	validate       *validator.Validate
	tracer         trace.Tracer
}

// NewRelay builds a relay around a shared hub.
func NewRelay(hub *Hub, users repositories.UserDirectory, messages repositories.MessageRepository, opts RelayOptions) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 3 * time.Second
	}
	return &Relay{
		hub:            hub,
		users:          users,
		messages:       messages,
		events:         opts.Events,
		audit:          opts.Audit,
		log:            opts.Logger,
		queueSize:      opts.QueueSize,
		persistTimeout: opts.PersistTimeout,
		validate:       newValidator(),
		tracer:         otel.Tracer("marketplace-chat/ws"),
	}
}

type event struct {
	kind      EventKind
	frame     []byte
	rawUserID string
	reason    string
}

// Serve runs one connection until its transport fails. group comes from the
// route and rawUserID from the user_id query parameter. It returns an
// ErrRouting error when the connection could not be opened.
func (r *Relay) Serve(ctx context.Context, conn Transport, group, rawUserID string, info ConnInfo) error {
	c := newClient(conn, group, info, r.queueSize)
	go c.writePump(r.log)

	if err := r.dispatch(ctx, c, event{kind: EventConnect, rawUserID: rawUserID}); err != nil {
		_ = r.dispatch(ctx, c, event{kind: EventDisconnect, reason: err.Error()})
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return r.dispatch(ctx, c, event{kind: EventDisconnect, reason: disconnectReason(err)})
		}
		_ = r.dispatch(ctx, c, event{kind: EventReceive, frame: data})
	}
}

func (r *Relay) dispatch(ctx context.Context, c *Client, ev event) error {
	switch ev.kind {
	case EventConnect:
		return r.connect(ctx, c, ev.rawUserID)
	case EventReceive:
		r.receive(ctx, c, ev.frame)
		return nil
	case EventDisconnect:
		r.disconnect(ctx, c, ev.reason)
		return nil
	default:
		return fmt.Errorf("event %d is not a connection transition", ev.kind)
	}
}

// connect binds the optional user id and joins the route group.
func (r *Relay) connect(ctx context.Context, c *Client, rawUserID string) error {
	if c.state != StateConnecting {
		return fmt.Errorf("connect in state %s", c.state)
	}
	if !ValidGroup(c.group) {
		r.log.Warn().Str("conn_id", c.id).Str("group", c.group).Msg("connection has no usable room group")
		return fmt.Errorf("%w: group %q", ErrRouting, c.group)
	}

	userID, err := parseBoundUserID(rawUserID)
	if err != nil {
		r.log.Warn().Err(err).Str("conn_id", c.id).Str("user_id", rawUserID).Msg("ignoring non-integer user_id")
	}
	c.userID = userID
	c.state = StateOpen
	r.hub.Join(c.group, c)

	observability.IncWSActive()
	r.log.Info().Str("conn_id", c.id).Str("group", c.group).Interface("user_id", c.userID).Msg("websocket connected")
	r.events.PublishWS(ctx, observability.WSEvent{
		Group:  c.group,
		Event:  "ws_connect",
		ConnID: c.id,
	}, r.identity(c), observability.BuildHeaders(c.info.RequestID, c.info.TraceID))
	return nil
}

// disconnect leaves the joined group before the worker exits.
func (r *Relay) disconnect(ctx context.Context, c *Client, reason string) {
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	if group := c.Group(); group != "" {
		r.hub.Leave(group, c)
	}
	_ = c.conn.Close()
	c.stop()

	if !wasOpen {
		return
	}
	observability.DecWSActive()
	r.log.Info().Str("conn_id", c.id).Str("group", c.group).Str("reason", reason).Msg("websocket disconnected")

	headers := observability.BuildHeaders(c.info.RequestID, c.info.TraceID)
	ev := observability.WSEvent{
		Group:       c.group,
		Event:       "ws_disconnect",
		ConnID:      c.id,
		Reason:      reason,
		ConnectedAt: c.info.ConnectedAt,
	}
	r.events.PublishWS(ctx, ev, r.identity(c), headers)
	if reason != "" && reason != normalClose {
		ev.Event = "ws_error"
		r.events.PublishWS(ctx, ev, r.identity(c), headers)
	}
}

// receive handles one inbound frame. Failures are answered on c only and
// never close the connection.
func (r *Relay) receive(ctx context.Context, c *Client, raw []byte) {
	ctx, span := r.tracer.Start(ctx, "ws.receive", trace.WithAttributes(
		attribute.String("chat.group", c.group),
		attribute.String("chat.conn_id", c.id),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			observability.IncRelayFrame("panic")
			r.log.Error().Interface("panic", rec).Str("conn_id", c.id).Msg("relay receive panicked")
			r.reply(c, "internal server error")
		}
	}()

	frame, err := parseFrame(r.validate, raw)
	if err == nil {
		err = r.resolveSender(ctx, frame)
	}
	if err != nil {
		r.reject(c, err)
		return
	}

	if c.group == "" {
		observability.IncRelayFrame("unroutable")
		r.log.Warn().Str("conn_id", c.id).Msg("frame received without room group")
		return
	}

	r.route(ctx, c, frame)
	observability.IncRelayFrame("relayed")
}

// resolveSender attaches senderName for chat messages.
func (r *Relay) resolveSender(ctx context.Context, frame *Frame) error {
	if frame.Type != frameTypeMessage {
		return nil
	}
	user, err := r.users.GetUser(ctx, *frame.SenderID)
	switch {
	case errors.Is(err, repositories.ErrUserNotFound):
		return newFrameError(ErrNotFound, "sender does not exist", err)
	case err != nil:
		return newFrameError(ErrUpstream, "failed to load sender", err)
	}
	frame.Fields["senderName"] = user.Nickname
	return nil
}

// route persists the frame when a receiver can be derived and fans it out to
// the room and to the receiver's personal group.
func (r *Relay) route(ctx context.Context, c *Client, frame *Frame) {
	receiverID, routable := 0, false
	if frame.SenderID != nil {
		receiverID, routable = rooms.Counterpart(c.group, *frame.SenderID)
	}
	if routable {
		r.persist(ctx, c, frame, receiverID)
	} else {
		r.log.Debug().Err(ErrRouting).Str("group", c.group).Interface("sender_id", frame.SenderID).Msg("no receiver for frame, skipping persistence and personal delivery")
	}

	payload, err := outbound(frame, c.group, false)
	if err != nil {
		r.log.Error().Err(err).Str("conn_id", c.id).Msg("encode room payload")
		r.reply(c, "internal server error")
		return
	}
	r.hub.SendToGroup(c.group, Delivery{Kind: EventRoomBroadcast, Payload: payload, SenderID: frame.SenderID})

	if !routable {
		return
	}
	personal, err := outbound(frame, c.group, true)
	if err != nil {
		r.log.Error().Err(err).Str("conn_id", c.id).Msg("encode personal payload")
		return
	}
	r.hub.SendToGroup(rooms.Personal(receiverID), Delivery{Kind: EventPersonalBroadcast, Payload: personal, SenderID: frame.SenderID})
}

// persist stores the message within the persist timeout. Failures are logged
// and audited; delivery continues regardless.
func (r *Relay) persist(ctx context.Context, c *Client, frame *Frame, receiverID int) {
	ctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
	defer cancel()

	msgType := models.NormalizeMessageType(frame.Type)
	msg, err := r.messages.Create(ctx, c.group, *frame.SenderID, receiverID, frame.Content, msgType)
	if err != nil {
		observability.IncPersistFailure()
		r.log.Error().Err(fmt.Errorf("%w: %w", ErrPersistence, err)).
			Str("group", c.group).
			Int("sender_id", *frame.SenderID).
			Int("receiver_id", receiverID).
			Msg("chat message not persisted, relaying anyway")
		r.audit.Emit(context.WithoutCancel(ctx), "WARN", "chat message not persisted: "+err.Error(), c.group, c.info.RequestID, frame.SenderID)
		return
	}
	r.log.Debug().Int("message_id", msg.ID).Str("group", c.group).Msg("chat message stored")
}

func (r *Relay) reject(c *Client, err error) {
	var fe *FrameError
	if !errors.As(err, &fe) {
		fe = newFrameError(ErrUpstream, "internal server error", err)
	}

	outcome := "invalid"
	switch {
	case errors.Is(fe, ErrMalformedInput):
		outcome = "malformed"
	case errors.Is(fe, ErrNotFound):
		outcome = "sender_not_found"
	case errors.Is(fe, ErrUpstream):
		outcome = "lookup_failed"
	}
	observability.IncRelayFrame(outcome)
	r.log.Info().Err(fe).Str("conn_id", c.id).Str("group", c.group).Msg("frame rejected")
	r.reply(c, fe.Message)
}

// reply sends an error frame to c only.
func (r *Relay) reply(c *Client, message string) {
	if err := c.enqueue(errorFrame(message)); err != nil {
		r.log.Warn().Err(err).Str("conn_id", c.id).Msg("error frame dropped")
	}
}

func (r *Relay) identity(c *Client) observability.Identity {
	return observability.Identity{UserID: c.userID, DeviceID: c.info.DeviceID, IP: c.info.IP}
}

const normalClose = "closed"

func disconnectReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return normalClose
	}
	return err.Error()
}
