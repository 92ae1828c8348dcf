package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-chat/internal/models"
)

// foreign_key_violation
const pqForeignKeyViolation = "23503"

// MessageRepository persists and queries relayed chat messages.
type MessageRepository interface {
	Create(ctx context.Context, room string, senderID, receiverID int, content string, messageType models.MessageType) (models.ChatMessage, error)
	History(ctx context.Context, room string) ([]models.ChatMessage, error)
	PartnersAndCounts(ctx context.Context, userID int) (map[int]models.PartnerSummary, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, room_name, sender_id, receiver_id, content, message_type, is_read, created_at`

// Create stores a message. created_at is assigned by the database.
func (r *MessageRepo) Create(ctx context.Context, room string, senderID, receiverID int, content string, messageType models.MessageType) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO chat_messages (room_name, sender_id, receiver_id, content, message_type)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		room, senderID, receiverID, content, models.NormalizeMessageType(string(messageType))).
		StructScan(&msg)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return models.ChatMessage{}, fmt.Errorf("create message in %s: %w", room, ErrUserNotFound)
		}
		return models.ChatMessage{}, fmt.Errorf("create message in %s: %w", room, err)
	}
	return msg, nil
}

// History returns every message of a room, oldest first.
func (r *MessageRepo) History(ctx context.Context, room string) ([]models.ChatMessage, error) {
	msgs := []models.ChatMessage{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages
        WHERE room_name=$1
        ORDER BY created_at ASC, id ASC`, room)
	return msgs, err
}

// PartnersAndCounts summarizes the conversations of userID per counterpart.
func (r *MessageRepo) PartnersAndCounts(ctx context.Context, userID int) (map[int]models.PartnerSummary, error) {
	var sent, received []models.ChatMessage
	if err := r.db.SelectContext(ctx, &sent, `SELECT `+messageColumns+` FROM chat_messages WHERE sender_id=$1 ORDER BY id ASC`, userID); err != nil {
		return nil, fmt.Errorf("load sent messages: %w", err)
	}
	if err := r.db.SelectContext(ctx, &received, `SELECT `+messageColumns+` FROM chat_messages WHERE receiver_id=$1 ORDER BY id ASC`, userID); err != nil {
		return nil, fmt.Errorf("load received messages: %w", err)
	}
	return AggregatePartners(userID, sent, received), nil
}

// AggregatePartners folds sent then received messages into one summary per
// counterpart. A later message replaces the last message only when its
// timestamp is strictly newer.
func AggregatePartners(userID int, sent, received []models.ChatMessage) map[int]models.PartnerSummary {
	partners := make(map[int]models.PartnerSummary)
	fold := func(partnerID int, msg models.ChatMessage) {
		if partnerID == userID {
			return
		}
		summary, ok := partners[partnerID]
		if !ok {
			summary = models.PartnerSummary{
				PartnerID:   partnerID,
				LastMessage: msg.Content,
				LastTime:    msg.CreatedAt,
			}
		}
		if msg.CreatedAt.After(summary.LastTime) {
			summary.LastMessage = msg.Content
			summary.LastTime = msg.CreatedAt
		}
		summary.MessageCount++
		partners[partnerID] = summary
	}

	for _, msg := range sent {
		fold(msg.ReceiverID, msg)
	}
	for _, msg := range received {
		fold(msg.SenderID, msg)
	}
	return partners
}
