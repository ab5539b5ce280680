package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Default Redis names used by RedisChannel.
const (
	DefaultRedisKey     = "crewsync:snapshot"
	DefaultRedisChannel = "crewsync:snapshot:changed"
)

// RedisChannel stores the blob under a key and announces every write on a
// pub/sub channel. It lets contexts that do not share a filesystem (for
// example containers on one host) exchange snapshots.
type RedisChannel struct {
	client  *redis.Client
	key     string
	channel string
}

// RedisConfig holds RedisChannel configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisChannel(client, cfg.Key, cfg.Channel), nil
}

func newRedisChannel(client *redis.Client, key, channel string) *RedisChannel {
	if key == "" {
		key = DefaultRedisKey
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisChannel{client: client, key: key, channel: channel}
}

func (rc *RedisChannel) Write(ctx context.Context, blob []byte) error {
	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, rc.key, blob, 0)
	pipe.Publish(ctx, rc.channel, blob)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

func (rc *RedisChannel) Read(ctx context.Context) ([]byte, error) {
	data, err := rc.client.Get(ctx, rc.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (rc *RedisChannel) Watch(ctx context.Context) (<-chan []byte, error) {
	sub := rc.client.Subscribe(ctx, rc.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", rc.channel, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (rc *RedisChannel) Close() error {
	return rc.client.Close()
}

var _ Channel = (*RedisChannel)(nil)
