package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis server and hash key holding the entries.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "127.0.0.1:6379",
		Key:          "edgelink:connections",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// hashClient is the slice of the Redis API the directory uses.
type hashClient interface {
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Close() error
}

type goRedisClient struct {
	client *redis.Client
}

var _ hashClient = (*goRedisClient)(nil)

func newGoRedisClient(ctx context.Context, cfg RedisConfig) (*goRedisClient, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("directory: redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("directory: connect redis %s: %w", cfg.Addr, err)
	}
	return &goRedisClient{client: client}, nil
}

func (c *goRedisClient) HSet(ctx context.Context, key, field, value string) error {
	return c.client.HSet(ctx, key, field, value).Err()
}

func (c *goRedisClient) HDel(ctx context.Context, key, field string) error {
	return c.client.HDel(ctx, key, field).Err()
}

func (c *goRedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *goRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c *goRedisClient) Close() error {
	return c.client.Close()
}

// Redis keeps entries as JSON values in one hash keyed by connection id.
type Redis struct {
	client hashClient
	key    string
}

var _ Directory = (*Redis)(nil)

// NewRedis dials and pings Redis before returning.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	def := DefaultRedisConfig()
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = def.Key
	}
	client, err := newGoRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newRedisWithClient(client, cfg.Key), nil
}

func newRedisWithClient(client hashClient, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (r *Redis) Put(ctx context.Context, entry session.ConnectionEntry) error {
	id := strings.TrimSpace(entry.ConnectionID)
	if id == "" {
		return ErrMissingConnectionID
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, id, string(raw)); err != nil {
		return fmt.Errorf("directory: put %q: %w", id, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, connectionID string) error {
	if err := r.client.HDel(ctx, r.key, strings.TrimSpace(connectionID)); err != nil {
		return fmt.Errorf("directory: remove %q: %w", connectionID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, connectionID string) (session.ConnectionEntry, bool, error) {
	raw, ok, err := r.client.HGet(ctx, r.key, strings.TrimSpace(connectionID))
	if err != nil || !ok {
		return session.ConnectionEntry{}, false, err
	}
	var entry session.ConnectionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return session.ConnectionEntry{}, false, fmt.Errorf("directory: decode %q: %w", connectionID, err)
	}
	return entry, true, nil
}

// List skips values that no longer decode rather than failing the listing.
func (r *Redis) List(ctx context.Context) ([]session.ConnectionEntry, error) {
	all, err := r.client.HGetAll(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("directory: list: %w", err)
	}
	out := make([]session.ConnectionEntry, 0, len(all))
	for _, raw := range all {
		var entry session.ConnectionEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
