package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, room string, senderID, receiverID int, content string, messageType models.MessageType) (models.ChatMessage, error) {
	args := m.Called(ctx, room, senderID, receiverID, content, messageType)
	var msg models.ChatMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.ChatMessage)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) History(ctx context.Context, room string) ([]models.ChatMessage, error) {
	args := m.Called(ctx, room)
	var msgs []models.ChatMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.ChatMessage)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) PartnersAndCounts(ctx context.Context, userID int) (map[int]models.PartnerSummary, error) {
	args := m.Called(ctx, userID)
	var partners map[int]models.PartnerSummary
	if val := args.Get(0); val != nil {
		partners = val.(map[int]models.PartnerSummary)
	}
	return partners, args.Error(1)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) GetUser(ctx context.Context, userID int) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserDirectoryMock) BulkUsers(ctx context.Context, ids []int) ([]models.User, error) {
	args := m.Called(ctx, ids)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserDirectory = (*UserDirectoryMock)(nil)
