package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/models"
)

const (
	onlineSetKey = "peers:online"
	peerKeyTTL   = 24 * time.Hour
)

// RedisStore keeps presence in Redis so several relay replicas can share
// one online list.
type RedisStore struct {
	client *redis.Client
}

// Connect initializes the Redis client and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func peerKey(peerID string) string {
	return "peer:" + peerID
}

func (s *RedisStore) Add(ctx context.Context, user models.OnlineUser) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode peer: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, peerKey(user.PeerID), data, peerKeyTTL)
	pipe.SAdd(ctx, onlineSetKey, user.PeerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store peer in Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, peerKey(peerID))
	pipe.SRem(ctx, onlineSetKey, peerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove peer from Redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, peerID string) (models.OnlineUser, error) {
	data, err := s.client.Get(ctx, peerKey(peerID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.OnlineUser{}, ErrNotFound
	}
	if err != nil {
		return models.OnlineUser{}, fmt.Errorf("failed to read peer from Redis: %w", err)
	}

	var user models.OnlineUser
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return models.OnlineUser{}, fmt.Errorf("failed to parse peer data: %w", err)
	}
	return user, nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.OnlineUser, error) {
	ids, err := s.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	users := make([]models.OnlineUser, 0, len(ids))
	for _, id := range ids {
		user, err := s.Lookup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired entry; drop the stale set member.
			s.client.SRem(ctx, onlineSetKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	sortUsers(users)
	return users, nil
}

func sortUsers(users []models.OnlineUser) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].JoinedAt.Before(users[j].JoinedAt)
		}
		return users[i].PeerID < users[j].PeerID
	})
}
