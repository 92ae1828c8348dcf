package handlers

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

const (
	previewLimit = 50
	roomPrefix   = "room_"
)

// ChatHandler serves the read-only conversation directory.
type ChatHandler struct {
	messageRepo repositories.MessageRepository
	users       repositories.UserDirectory
	log         zerolog.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(messageRepo repositories.MessageRepository, users repositories.UserDirectory, log zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		messageRepo: messageRepo,
		users:       users,
		log:         log,
	}
}

type envelope struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
	Data   any    `json:"data"`
	Count  *int   `json:"count,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data any) {
	c.JSON(status, envelope{Status: strconv.Itoa(status), Msg: msg, Data: data})
}

func respondList[T any](c *gin.Context, msg string, data []T) {
	count := len(data)
	c.JSON(http.StatusOK, envelope{Status: strconv.Itoa(http.StatusOK), Msg: msg, Data: data, Count: &count})
}

type historyEntry struct {
	SenderID    int                `json:"sender_id"`
	ReceiverID  int                `json:"receiver_id"`
	Content     string             `json:"content"`
	CreatedAt   time.Time          `json:"created_at"`
	Timestamp   float64            `json:"timestamp"`
	MessageType models.MessageType `json:"message_type"`
	IsRead      bool               `json:"is_read"`
}

// History returns every stored message of a room, oldest first.
func (h *ChatHandler) History(c *gin.Context) {
	room := c.Param("room_name")
	if !strings.HasPrefix(room, roomPrefix) {
		respond(c, http.StatusBadRequest, "invalid room name", []any{})
		return
	}

	msgs, err := h.messageRepo.History(c.Request.Context(), room)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("load chat history")
		respond(c, http.StatusInternalServerError, "failed to load chat history", []any{})
		return
	}

	entries := lo.Map(msgs, func(m models.ChatMessage, _ int) historyEntry {
		return historyEntry{
			SenderID:    m.SenderID,
			ReceiverID:  m.ReceiverID,
			Content:     m.Content,
			CreatedAt:   m.CreatedAt,
			Timestamp:   float64(m.CreatedAt.UnixMicro()) / 1e6,
			MessageType: m.MessageType,
			IsRead:      m.IsRead,
		}
	})
	respondList(c, "chat history loaded", entries)
}

type partnerEntry struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Nickname     string    `json:"nickname"`
	LastMessage  string    `json:"last_message"`
	LastTime     time.Time `json:"last_time"`
	UnreadCount  int       `json:"unread_count"`
	MessageCount int       `json:"message_count"`
}

// Partners lists everyone the user has exchanged messages with, most recent
// conversation first. Partners unknown to the user directory are left out.
func (h *ChatHandler) Partners(c *gin.Context) {
	var query struct {
		UserID string `form:"user_id" binding:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		respond(c, http.StatusBadRequest, "missing user_id", []any{})
		return
	}
	userID, err := strconv.Atoi(strings.TrimSpace(query.UserID))
	if err != nil {
		respond(c, http.StatusBadRequest, "invalid user_id", []any{})
		return
	}

	ctx := c.Request.Context()
	summaries, err := h.messageRepo.PartnersAndCounts(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", userID).Msg("aggregate chat partners")
		respond(c, http.StatusInternalServerError, "failed to load chat partners", []any{})
		return
	}

	partnerIDs := lo.Keys(summaries)
	slices.Sort(partnerIDs)

	var users []models.User
	if len(partnerIDs) > 0 {
		users, err = h.users.BulkUsers(ctx, partnerIDs)
		if err != nil {
			h.log.Error().Err(err).Int("user_id", userID).Msg("load chat partner profiles")
			respond(c, http.StatusBadGateway, "failed to load user info", []any{})
			return
		}
	}

	entries := lo.FilterMap(users, func(u models.User, _ int) (partnerEntry, bool) {
		s, ok := summaries[u.ID]
		if !ok {
			return partnerEntry{}, false
		}
		return partnerEntry{
			ID:           u.ID,
			Name:         u.Nickname,
			Nickname:     u.Nickname,
			LastMessage:  preview(s.LastMessage),
			LastTime:     s.LastTime,
			MessageCount: s.MessageCount,
		}, true
	})
	entries = lo.UniqBy(entries, func(p partnerEntry) int { return p.ID })
	slices.SortStableFunc(entries, func(a, b partnerEntry) int {
		return b.LastTime.Compare(a.LastTime)
	})

	respondList(c, "chat partners loaded", entries)
}

// preview shortens content to previewLimit characters plus an ellipsis.
func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "..."
}
