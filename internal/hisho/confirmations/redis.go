package confirmations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// KeyPrefix namespaces record keys, e.g. "hisho:confirmation:".
	KeyPrefix string
	// TTL bounds how long a record lives. Zero keeps records forever.
	TTL time.Duration
}

// RedisStore keeps each record in a hash and each user's pending ids in a
// sorted set scored by creation time. Creation and transitions run as Lua
// scripts so they are atomic per record.
type RedisStore struct {
	client redis.UniversalClient
	cfg    RedisConfig
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// createScript inserts a record unless its key already exists.
// KEYS[1] = record key
// KEYS[2] = user's pending set
// ARGV[1] = id
// ARGV[2] = user_id
// ARGV[3] = kind
// ARGV[4] = params
// ARGV[5] = prompt_text
// ARGV[6] = created_at (RFC 3339)
// ARGV[7] = created_at (unix millis, set score)
// ARGV[8] = ttl in milliseconds, 0 for none
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1],
    "id", ARGV[1],
    "user_id", ARGV[2],
    "kind", ARGV[3],
    "params", ARGV[4],
    "prompt_text", ARGV[5],
    "status", "pending",
    "created_at", ARGV[6])
redis.call("ZADD", KEYS[2], ARGV[7], ARGV[1])
local ttl = tonumber(ARGV[8])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
    redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`)

// transitionScript moves a pending record to a terminal status.
// KEYS[1] = record key
// KEYS[2] = user's pending set
// ARGV[1] = target status
// ARGV[2] = resolved_at (RFC 3339)
// ARGV[3] = id
// Returns -1 if the record does not exist, 0 if it is not pending, 1 on
// success.
var transitionScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
    return -1
end
if status ~= "pending" then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "resolved_at", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`)

// NewRedisStore returns a store using client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "hisho:confirmation:"
	}
	return &RedisStore{client: client, cfg: cfg, now: time.Now}
}

func (s *RedisStore) recordKey(id string) string { return s.cfg.KeyPrefix + id }

func (s *RedisStore) pendingKey(userID string) string { return s.cfg.KeyPrefix + "pending:" + userID }

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	prepare(rec, s.now())

	created, err := createScript.Run(ctx, s.client,
		[]string{s.recordKey(rec.ID), s.pendingKey(rec.UserID)},
		rec.ID, rec.UserID, rec.Kind, string(rec.Params), rec.PromptText,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.CreatedAt.UnixMilli(), s.cfg.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create confirmation: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeHash(id, fields)
}

// Transition implements Store.
func (s *RedisStore) Transition(ctx context.Context, id string, to Status) (*Record, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, to)
	}

	// user_id is immutable, so reading it before the script is safe; the
	// script still re-checks existence and status atomically.
	userID, err := s.client.HGet(ctx, s.recordKey(id), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation owner: %w", err)
	}

	now := s.now().UTC()
	res, err := transitionScript.Run(ctx, s.client,
		[]string{s.recordKey(id), s.pendingKey(userID)},
		string(to), now.Format(time.RFC3339Nano), id,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to transition confirmation: %w", err)
	}
	switch res {
	case -1:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		return nil, fmt.Errorf("%w: %s is no longer pending", ErrInvalidTransition, id)
	}
	return s.Get(ctx, id)
}

// LatestPending implements Store. Ids whose record has expired are pruned
// from the set as they are found.
func (s *RedisStore) LatestPending(ctx context.Context, userID string) (*Record, error) {
	key := s.pendingKey(userID)
	for {
		ids, err := s.client.ZRevRange(ctx, key, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list pending confirmations: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: no pending confirmation for %s", ErrNotFound, userID)
		}
		rec, err := s.Get(ctx, ids[0])
		if err == nil && rec.Status == StatusPending {
			return rec, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := s.client.ZRem(ctx, key, ids[0]).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune pending set: %w", err)
		}
	}
}

// Purge implements Store. Records expire through their TTL, so there is
// nothing to sweep.
func (s *RedisStore) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func decodeHash(id string, fields map[string]string) (*Record, error) {
	rec := &Record{
		ID:         id,
		UserID:     fields["user_id"],
		Kind:       fields["kind"],
		Params:     []byte(fields["params"]),
		PromptText: fields["prompt_text"],
		Status:     Status(fields["status"]),
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("confirmation %s: bad created_at: %w", id, err)
	}
	rec.CreatedAt = created
	if v := fields["resolved_at"]; v != "" {
		resolved, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("confirmation %s: bad resolved_at: %w", id, err)
		}
		rec.ResolvedAt = &resolved
	}
	return rec, nil
}
