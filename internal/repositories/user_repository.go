package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves user ids to accounts.
type UserDirectory interface {
	GetUser(ctx context.Context, userID int) (models.User, error)
	BulkUsers(ctx context.Context, ids []int) ([]models.User, error)
}

// UserRepo reads accounts straight from the marketplace database.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user by id.
func (r *UserRepo) GetUser(ctx context.Context, userID int) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, nickname FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// BulkUsers returns the users that exist among ids; unknown ids are skipped.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, nickname FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	users := []models.User{}
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}
