package working

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

var _ Store = (*RedisStore)(nil)

// KeyPrefix namespaces session windows in Redis.
const KeyPrefix = "agent:working_memory:"

// RedisStore keeps each session window in a Redis list whose key expiry is
// the session TTL. Append runs RPUSH, LTRIM and EXPIRE in one MULTI/EXEC
// block, so concurrent appends to the same session cannot lose updates.
type RedisStore struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *zap.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, opts Options, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, opts: opts.withDefaults(), logger: logger}
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, redisURL string, opts Options, logger *zap.Logger) (*RedisStore, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, unavailable("redis ping", err)
	}
	return NewRedisStore(rdb, opts, logger), nil
}

func sessionKey(sessionID string) string {
	return KeyPrefix + sessionID
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, turn memory.Turn) error {
	turn, err := s.opts.prepareTurn(turn)
	if err != nil {
		return err
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("working: marshal turn: %w", err)
	}

	key := sessionKey(turn.SessionID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.opts.MaxWindowSize), -1)
		pipe.Expire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return unavailable("append", err)
	}

	s.logger.Debug("appended turn",
		zap.String("session", turn.SessionID),
		zap.String("key", key))
	return nil
}

// Recent implements Store.
func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	limit = s.opts.clampLimit(limit)

	items, err := s.rdb.LRange(ctx, sessionKey(sessionID), int64(-limit), -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("recent", err)
	}

	turns := make([]memory.Turn, 0, len(items))
	for _, item := range items {
		var t memory.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			s.logger.Warn("skipping undecodable turn",
				zap.String("session", sessionID),
				zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return s.opts.fresh(turns), nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return unavailable("clear", err)
	}
	s.logger.Info("cleared working memory", zap.String("session", sessionID))
	return nil
}

// Stats implements Store. Turn counts are list lengths and ignore MaxTurnAge.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	iter := s.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.LLen(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Stats{}, unavailable("stats", err)
		}
		if n == 0 {
			continue
		}
		st.Sessions++
		st.Turns += int(n)
	}
	if err := iter.Err(); err != nil {
		return Stats{}, unavailable("stats", err)
	}
	return st, nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
