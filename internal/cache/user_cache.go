package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

// UserCache keeps resolved users in redis in front of a slower directory.
// Redis failures degrade to direct lookups.
type UserCache struct {
	client *redis.Client
	next   repositories.UserDirectory
	ttl    time.Duration
	log    zerolog.Logger
}

// NewRedisClient parses url and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewUserCache(client *redis.Client, next repositories.UserDirectory, ttl time.Duration, log zerolog.Logger) *UserCache {
	return &UserCache{client: client, next: next, ttl: ttl, log: log}
}

func userKey(id int) string {
	return fmt.Sprintf("chat:user:%d", id)
}

// GetUser returns the cached user or loads and caches it.
func (c *UserCache) GetUser(ctx context.Context, userID int) (models.User, error) {
	raw, err := c.client.Get(ctx, userKey(userID)).Bytes()
	switch {
	case err == nil:
		var user models.User
		if jsonErr := json.Unmarshal(raw, &user); jsonErr == nil {
			return user, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Int("user_id", userID).Msg("user cache read failed")
	}

	user, err := c.next.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	c.store(ctx, user)
	return user, nil
}

// BulkUsers serves hits from redis and loads the rest from the directory.
func (c *UserCache) BulkUsers(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(id)
	}

	users := make([]models.User, 0, len(ids))
	missing := ids
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn().Err(err).Int("count", len(ids)).Msg("user cache bulk read failed")
	} else {
		missing = missing[:0:0]
		for i, v := range values {
			s, ok := v.(string)
			var user models.User
			if !ok || json.Unmarshal([]byte(s), &user) != nil {
				missing = append(missing, ids[i])
				continue
			}
			users = append(users, user)
		}
	}

	if len(missing) == 0 {
		return users, nil
	}
	loaded, err := c.next.BulkUsers(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, user := range loaded {
		c.store(ctx, user)
	}
	return append(users, loaded...), nil
}

func (c *UserCache) store(ctx context.Context, user models.User) {
	raw, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, userKey(user.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Int("user_id", user.ID).Msg("user cache write failed")
	}
}

var _ repositories.UserDirectory = (*UserCache)(nil)
