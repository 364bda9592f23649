package keys

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// shredScript tombstones a key atomically:
// -1 never issued, 1 newly shredded, 0 already shredded (with the original time).
var shredScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {-1, ''}
end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
  return {1, ARGV[2]}
end
return {0, redis.call('HGET', KEYS[2], ARGV[1])}
`)

// RedisTombstones shares tombstones between processes through Redis.
// Issued ids live in a set and tombstones in a hash of id to shred time.
type RedisTombstones struct {
	client        redis.UniversalClient
	issuedKey     string
	tombstonesKey string
}

// RedisOptions configures the Redis connection for tombstones
type RedisOptions struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// NewRedisTombstones connects to Redis and verifies the connection
func NewRedisTombstones(ctx context.Context, opts RedisOptions) (*RedisTombstones, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedisTombstonesWithClient(client, opts.Namespace), nil
}

// NewRedisTombstonesWithClient wraps an existing client
func NewRedisTombstonesWithClient(client redis.UniversalClient, namespace string) *RedisTombstones {
	if namespace == "" {
		namespace = "veritas"
	}
	return &RedisTombstones{
		client:        client,
		issuedKey:     namespace + ":keys:issued",
		tombstonesKey: namespace + ":keys:tombstones",
	}
}

func (r *RedisTombstones) Issue(ctx context.Context, keyID string) error {
	if err := r.client.SAdd(ctx, r.issuedKey, keyID).Err(); err != nil {
		return fmt.Errorf("failed to register key %s: %w", keyID, err)
	}
	return nil
}

func (r *RedisTombstones) Shred(ctx context.Context, keyID string) (Tombstone, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := shredScript.Run(ctx, r.client, []string{r.issuedKey, r.tombstonesKey}, keyID, now).Slice()
	if err != nil {
		return Tombstone{}, false, fmt.Errorf("failed to shred key %s: %w", keyID, err)
	}
	if len(res) != 2 {
		return Tombstone{}, false, fmt.Errorf("unexpected shred reply for key %s", keyID)
	}

	status, _ := res[0].(int64)
	if status == -1 {
		return Tombstone{}, false, ErrNotIssued
	}

	raw, _ := res[1].(string)
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Tombstone{}, false, fmt.Errorf("corrupt tombstone for key %s: %w", keyID, err)
	}
	return Tombstone{KeyID: keyID, ShreddedAt: at}, status == 0, nil
}

func (r *RedisTombstones) IsShredded(ctx context.Context, keyID string) (bool, error) {
	ok, err := r.client.HExists(ctx, r.tombstonesKey, keyID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone for key %s: %w", keyID, err)
	}
	return ok, nil
}

func (r *RedisTombstones) Close() error {
	return r.client.Close()
}
