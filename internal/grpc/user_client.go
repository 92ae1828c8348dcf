package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// Methods of the user service. Requests and replies are google.protobuf.Struct
// documents: {"user_id": n} / {"ids": [..]} in, {"id", "nickname"} /
// {"users": [..]} out.
const (
	getUserMethod   = "/marketplace.user.v1.UserInternal/GetUser"
	bulkUsersMethod = "/marketplace.user.v1.UserInternal/BulkUsers"
)

// UserClient resolves users through the user service.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// GetUser retrieves user details.
func (u *UserClient) GetUser(ctx context.Context, userID int) (models.User, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return models.User{}, err
	}

	resp := &structpb.Struct{}
	if err := u.conn.Invoke(ctx, getUserMethod, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return models.User{}, repositories.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("get user %d: %w", userID, err)
	}

	user := userFromStruct(resp)
	if user.ID == 0 {
		return models.User{}, repositories.ErrUserNotFound
	}
	return user, nil
}

// BulkUsers fetches multiple users in one call.
func (u *UserClient) BulkUsers(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}
	req, err := structpb.NewStruct(map[string]any{"ids": values})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := u.conn.Invoke(ctx, bulkUsersMethod, req, resp); err != nil {
		return nil, fmt.Errorf("bulk users: %w", err)
	}

	list := resp.GetFields()["users"].GetListValue().GetValues()
	users := make([]models.User, 0, len(list))
	for _, v := range list {
		if user := userFromStruct(v.GetStructValue()); user.ID != 0 {
			users = append(users, user)
		}
	}
	return users, nil
}

func userFromStruct(s *structpb.Struct) models.User {
	fields := s.GetFields()
	return models.User{
		ID:       int(fields["id"].GetNumberValue()),
		Nickname: fields["nickname"].GetStringValue(),
	}
}

var _ repositories.UserDirectory = (*UserClient)(nil)
