package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/logging"
)

// RedisRegistry stores one key per occupied room, valued with the address of
// the instance holding it.
type RedisRegistry struct {
	client            *redis.Client
	advertiseAddress  string
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration
	managedKeys       map[string]struct{} // keys owned by this instance
	mu                sync.RWMutex
	cancel            context.CancelFunc
}

// NewRedisRegistry connects to redis and verifies the connection.
func NewRedisRegistry(cfg config.RedisConfig, advertiseAddress string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{
		client:            client,
		advertiseAddress:  advertiseAddress,
		prefix:            cfg.Prefix,
		keyTTL:            cfg.KeyTTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedKeys:       make(map[string]struct{}),
	}, nil
}

func (r *RedisRegistry) keyFor(room string) string {
	return keyFor(r.prefix, room)
}

func keyFor(prefix, room string) string {
	return fmt.Sprintf("%s:room:%s", prefix, room)
}

func (r *RedisRegistry) Register(ctx context.Context, room string) error {
	key := r.keyFor(room)

	if err := r.client.Set(ctx, key, r.advertiseAddress, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to register room: %w", err)
	}

	r.mu.Lock()
	r.managedKeys[key] = struct{}{}
	r.mu.Unlock()

	l := logging.L()
	l.Debug().Str(logging.FieldRoom, room).Str(logging.FieldAddr, r.advertiseAddress).Msg("registered room presence")
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, room string) error {
	key := r.keyFor(room)

	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to deregister room: %w", err)
	}

	l := logging.L()
	l.Debug().Str(logging.FieldRoom, room).Msg("deregistered room presence")
	return nil
}

func (r *RedisRegistry) Online(ctx context.Context, rooms []string) (map[string]bool, error) {
	out := make(map[string]bool, len(rooms))
	if len(rooms) == 0 {
		return out, nil
	}

	keys := make([]string, len(rooms))
	for i, room := range rooms {
		keys[i] = r.keyFor(room)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read room presence: %w", err)
	}
	for i, v := range vals {
		out[rooms[i]] = v != nil
	}
	return out, nil
}

func (r *RedisRegistry) StartHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.heartbeatLoop(ctx)
	l := logging.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Msg("presence heartbeat started")
	return nil
}

func (r *RedisRegistry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisRegistry) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.managedKeys))
	for k := range r.managedKeys {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	pipe := r.client.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, r.advertiseAddress, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := logging.L()
		l.Error().Int("keys", len(keys)).Err(err).Msg("failed to refresh presence keys")
	}
}

func (r *RedisRegistry) StopHeartbeat() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Close stops the heartbeat, removes this instance's keys and closes the
// client.
func (r *RedisRegistry) Close() error {
	r.StopHeartbeat()

	r.mu.Lock()
	keys := make([]string, 0, len(r.managedKeys))
	for k := range r.managedKeys {
		keys = append(keys, k)
	}
	r.managedKeys = make(map[string]struct{})
	r.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			l := logging.L()
			l.Warn().Err(err).Msg("failed to remove presence keys on close")
		}
	}
	return r.client.Close()
}
