package models

import "time"

// PartnerSummary aggregates the conversation a user had with one counterpart.
type PartnerSummary struct {
	PartnerID    int       `json:"id"`
	LastMessage  string    `json:"last_message"`
	LastTime     time.Time `json:"last_time"`
	MessageCount int       `json:"message_count"`
}
