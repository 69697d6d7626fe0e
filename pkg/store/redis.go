package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the networked backend.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`

	// KeyPrefix is prepended to every key so several servers can share
	// one database.
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty"`

	// DisableScripting forces the non-atomic read-merge-write fallback
	// for Patch, for engines without EVAL support.
	DisableScripting bool `json:"disableScripting,omitempty" yaml:"disableScripting,omitempty"`
}

// DefaultRedisConfig returns localhost defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Host: "127.0.0.1", Port: 6379, KeyPrefix: "sandbox:"}
}

// patchScript performs the read-merge-write for Patch server-side so
// concurrent patches to one key cannot interleave. It re-applies any
// positive remaining TTL after the write. The merge mirrors Merge:
// object keys override one level, arrays concatenate, everything else
// replaces.
var patchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
local incoming = cjson.decode(ARGV[1])
local result = incoming
if cur then
  local existing = cjson.decode(cur)
  local existing_is_obj = type(existing) == 'table' and (next(existing) == nil or type(next(existing)) == 'string')
  local incoming_is_obj = type(incoming) == 'table' and (next(incoming) == nil or type(next(incoming)) == 'string')
  if type(existing) == 'table' and type(incoming) == 'table' then
    if existing_is_obj and incoming_is_obj then
      for k, v in pairs(incoming) do existing[k] = v end
      result = existing
    elseif not existing_is_obj and not incoming_is_obj then
      for _, v in ipairs(incoming) do table.insert(existing, v) end
      result = existing
    end
  end
end
local encoded
if type(result) == 'table' and next(result) == nil then
  encoded = ARGV[2]
else
  encoded = cjson.encode(result)
end
redis.call('SET', KEYS[1], encoded)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return encoded
`)

// Redis is the networked backend. Values are serialized as JSON;
// Set with a TTL maps to SET PX, Increment to INCRBYFLOAT, and Patch to
// a server-side script (with a documented non-atomic fallback).
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedis connects to the configured server and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis connect: %w", err)
	}
	return &Redis{client: client, cfg: cfg}, nil
}

func (r *Redis) key(k string) string { return r.cfg.KeyPrefix + k }

func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: redis get: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// Raw INCRBYFLOAT results are plain numbers and always decode;
		// anything else unparseable is surfaced as an opaque string.
		return raw, true, nil
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode value: %w", err)
	}
	if ttl > 0 {
		// Atomic set-with-expiry.
		err = r.client.Set(ctx, r.key(key), raw, ttl).Err()
	} else {
		err = r.client.Set(ctx, r.key(key), raw, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (r *Redis) Increment(ctx context.Context, key string, by float64) (float64, error) {
	res, err := r.client.IncrByFloat(ctx, r.key(key), by).Result()
	if err == nil {
		return res, nil
	}
	if !strings.Contains(err.Error(), "not a valid float") {
		return 0, fmt.Errorf("store: redis increment: %w", err)
	}

	// Non-numeric prior value: treat it as 0, preserving the expiry.
	raw, merr := json.Marshal(by)
	if merr != nil {
		return 0, fmt.Errorf("store: encode value: %w", merr)
	}
	if err := r.client.Set(ctx, r.key(key), raw, redis.KeepTTL).Err(); err != nil {
		return 0, fmt.Errorf("store: redis increment reset: %w", err)
	}
	return by, nil
}

func (r *Redis) Patch(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode value: %w", err)
	}

	if !r.cfg.DisableScripting {
		err = patchScript.Run(ctx, r.client, []string{r.key(key)}, string(raw), string(raw)).Err()
		if err == nil {
			return nil
		}
		if !isScriptingUnsupported(err) {
			return fmt.Errorf("store: redis patch: %w", err)
		}
	}

	// Fallback: non-atomic read-merge-write. Last write wins under
	// concurrency; callers that need atomicity must run with scripting.
	existing, ok, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	merged, err := json.Marshal(Merge(existing, ok, value))
	if err != nil {
		return fmt.Errorf("store: encode merged value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), merged, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("store: redis patch fallback: %w", err)
	}
	return nil
}

func (r *Redis) Entries(ctx context.Context, prefix string) (map[string]any, error) {
	out := make(map[string]any)
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		value, ok, err := r.Get(ctx, strings.TrimPrefix(full, r.cfg.KeyPrefix))
		if err != nil {
			return nil, err
		}
		if ok {
			out[strings.TrimPrefix(full, r.cfg.KeyPrefix)] = value
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: redis scan: %w", err)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func isScriptingUnsupported(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown command") && strings.Contains(msg, "EVAL")
}
