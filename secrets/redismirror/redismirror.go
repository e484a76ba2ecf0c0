// Package redismirror persists captured client secrets in Redis so that
// every gateway replica behind a load balancer can decrypt tokens minted for
// a client that registered through any one of them.
//
// Layout, relative to KeyPrefix:
//
//	client_secrets          SET   membership for de-duplication
//	client_secrets:order    LIST  secrets in capture order
//	clients                 HASH  client_id -> secret, for operators
//	client_secrets:events   STREAM capture events consumed by Follow
package redismirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-gateway/secrets"
)

// DefaultKeyPrefix namespaces all keys written by the mirror.
const DefaultKeyPrefix = "mcp:gateway:"

// Config for a Redis-backed mirror.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client
	// KeyPrefix is the prefix for all keys. Default: "mcp:gateway:".
	KeyPrefix string
	// Logger receives Follow retry events. Default: slog.Default().
	Logger *slog.Logger
}

// EnvConfig is populated by envdecode in LoadEnvConfig.
type EnvConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// RedisDB. ENV: REDIS_DB
	RedisDB int `env:"REDIS_DB,default=0"`
	// KeyPrefix. ENV: SECRETS_KEY_PREFIX
	KeyPrefix string `env:"SECRETS_KEY_PREFIX,default=mcp:gateway:"`
}

// Mirror implements secrets.Mirror on Redis.
type Mirror struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger
	ownClient bool
}

// appendScript adds a secret only if it is new, keeping the order list and
// client index consistent in one round trip.
var appendScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  if ARGV[2] ~= '' then
    redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
  end
  return 1
end
return 0
`)

// New creates a mirror on an existing client. The caller keeps ownership
// of the client.
func New(cfg Config) (*Mirror, error) {
	if cfg.Client == nil {
		return nil, errors.New("redismirror: redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mirror{client: cfg.Client, keyPrefix: cfg.KeyPrefix, log: cfg.Logger}, nil
}

// LoadEnvConfig decodes EnvConfig from the environment.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return EnvConfig{}, fmt.Errorf("redismirror: env: %w", err)
	}
	return cfg, nil
}

// Dial connects to Redis using cfg and pings it. The mirror owns the client.
func Dial(ctx context.Context, cfg EnvConfig, log *slog.Logger) (*Mirror, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redismirror: ping: %w", err)
	}
	m, err := New(Config{Client: cl, KeyPrefix: cfg.KeyPrefix, Logger: log})
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	m.ownClient = true
	return m, nil
}

func (m *Mirror) setKey() string     { return m.keyPrefix + "client_secrets" }
func (m *Mirror) orderKey() string   { return m.keyPrefix + "client_secrets:order" }
func (m *Mirror) clientsKey() string { return m.keyPrefix + "clients" }
func (m *Mirror) eventsKey() string  { return m.keyPrefix + "client_secrets:events" }

// maxEvents bounds the capture event stream.
const maxEvents = 1000

const streamStart = "0-0"

var (
	followRetryMin = 250 * time.Millisecond
	followRetryMax = 30 * time.Second
)

// Load returns persisted secrets in capture order.
func (m *Mirror) Load(ctx context.Context) ([]string, error) {
	out, err := m.client.LRange(ctx, m.orderKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redismirror: load: %w", err)
	}
	return out, nil
}

// Append persists rec unless its secret is already known.
func (m *Mirror) Append(ctx context.Context, rec secrets.Record) (bool, error) {
	if rec.Secret == "" {
		return false, nil
	}
	n, err := appendScript.Run(ctx, m.client,
		[]string{m.setKey(), m.orderKey(), m.clientsKey()},
		rec.Secret, rec.ClientID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redismirror: append: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.eventsKey(),
		MaxLen: maxEvents,
		Values: map[string]any{"secret": rec.Secret, "client_id": rec.ClientID},
	}).Err()
	if err != nil {
		// The secret is stored; other replicas pick it up on their next Load.
		return true, fmt.Errorf("redismirror: publish: %w", err)
	}
	return true, nil
}

// Position returns a cursor at the newest capture event. Pass it to Follow
// to receive only events appended afterwards.
func (m *Mirror) Position(ctx context.Context) (string, error) {
	last, err := m.client.XRevRangeN(ctx, m.eventsKey(), "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redismirror: position: %w", err)
	}
	if len(last) == 0 {
		return streamStart, nil
	}
	return last[0].ID, nil
}

// Follow calls fn for every secret appended after pos by any mirror sharing
// the key prefix. An empty pos replays the retained stream. Read errors are
// logged and retried with backoff; Follow returns only when ctx is done.
func (m *Mirror) Follow(ctx context.Context, pos string, fn func(secret string)) error {
	if pos == "" {
		pos = streamStart
	}
	delay := followRetryMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := m.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{m.eventsKey(), pos},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WarnContext(ctx, "redismirror.follow.fail",
				slog.String("pos", pos),
				slog.Duration("retry_in", delay),
				slog.String("err", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, followRetryMax)
			continue
		}
		delay = followRetryMin
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				pos = msg.ID
				if secret, ok := msg.Values["secret"].(string); ok && secret != "" {
					fn(secret)
				}
			}
		}
	}
}

// Close closes the client if the mirror created it.
func (m *Mirror) Close() error {
	if m.ownClient {
		return m.client.Close()
	}
	return nil
}

var (
	_ secrets.Mirror   = (*Mirror)(nil)
	_ secrets.Follower = (*Mirror)(nil)
)
