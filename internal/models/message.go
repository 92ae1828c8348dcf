package models

import "time"

// MessageType enumerates the persisted kinds of chat message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// NormalizeMessageType maps unknown values to MessageTypeText.
func NormalizeMessageType(value string) MessageType {
	switch t := MessageType(value); t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return t
	default:
		return MessageTypeText
	}
}

// ChatMessage is a persisted message between two users of a room.
type ChatMessage struct {
	ID          int         `db:"id" json:"id"`
	RoomName    string      `db:"room_name" json:"room_name"`
	SenderID    int         `db:"sender_id" json:"sender_id"`
	ReceiverID  int         `db:"receiver_id" json:"receiver_id"`
	Content     string      `db:"content" json:"content"`
	MessageType MessageType `db:"message_type" json:"message_type"`
	IsRead      bool        `db:"is_read" json:"is_read"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}
