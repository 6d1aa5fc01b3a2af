package userprop

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "user_properties:"

var ErrUserNotFound = errors.New("user properties not found")

// RedisStore keeps each user's encoded Info under user_properties:<user>.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, info *Info) error {
	if info.User == "" {
		return errors.New("user name is required")
	}
	var buf bytes.Buffer
	if err := info.Write(&buf); err != nil {
		return fmt.Errorf("encode properties of %s: %w", info.User, err)
	}
	return s.client.Set(ctx, keyPrefix+info.User, buf.Bytes(), 0).Err()
}

func (s *RedisStore) Load(ctx context.Context, user string) (*Info, error) {
	data, err := s.client.Get(ctx, keyPrefix+user).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	if err != nil {
		return nil, err
	}
	info, err := Read(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode properties of %s: %w", user, err)
	}
	return info, nil
}

// ExecMemLimit returns the user's configured memory limit, if any.
func (s *RedisStore) ExecMemLimit(ctx context.Context, user string) (int64, bool, error) {
	info, err := s.Load(ctx, user)
	if errors.Is(err, ErrUserNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	limit, ok := info.ExecMemLimit()
	return limit, ok, nil
}
