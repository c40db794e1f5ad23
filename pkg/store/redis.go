package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conclave-ai/conclave/council"
)

// RedisStore implements Store using Redis.
// It provides distributed record storage suitable for multi-node read access;
// round ordering is enforced with a WATCH-free length check because a session
// has a single writer.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "conclave:").
	Prefix string
	// SessionTTL is the record expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "conclave:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "conclave:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) roundsKey(sessionID string) string {
	return s.prefix + "rounds:" + sessionID
}

func (s *RedisStore) branchesKey(parentID string) string {
	return s.prefix + "branches:" + parentID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "sessions"
}

func (s *RedisStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveSession creates or updates a session record.
func (s *RedisStore) SaveSession(ctx context.Context, sess *council.Session) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession retrieves a session by ID.
func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (*council.Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess council.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns stored sessions matching the filter options,
// newest first.
func (s *RedisStore) ListSessions(ctx context.Context, opts ListOptions) ([]*council.Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}

	result := make([]*council.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Expired record still in the index.
				continue
			}
			return nil, err
		}
		if opts.State != "" && sess.State != opts.State {
			continue
		}
		result = append(result, sess)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, opts), nil
}

// DeleteSession removes a session, its rounds, and its branch records.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.sessionKey(sessionID))
	pipe.Del(ctx, s.roundsKey(sessionID))
	pipe.Del(ctx, s.branchesKey(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SaveRound appends a fully assembled round.
func (s *RedisStore) SaveRound(ctx context.Context, round *council.Round) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	length, err := s.client.LLen(ctx, s.roundsKey(round.SessionID)).Result()
	if err != nil {
		return fmt.Errorf("rounds length: %w", err)
	}
	if round.Number != int(length)+1 {
		return ErrRoundConflict
	}

	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.roundsKey(round.SessionID), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.roundsKey(round.SessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	return nil
}

// LoadRounds retrieves all rounds for a session in round order.
func (s *RedisStore) LoadRounds(ctx context.Context, sessionID string) ([]*council.Round, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	items, err := s.client.LRange(ctx, s.roundsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}

	rounds := make([]*council.Round, 0, len(items))
	for _, item := range items {
		var round council.Round
		if err := json.Unmarshal([]byte(item), &round); err != nil {
			return nil, fmt.Errorf("unmarshal round: %w", err)
		}
		rounds = append(rounds, &round)
	}
	return rounds, nil
}

// SaveBranch records a fork relation.
func (s *RedisStore) SaveBranch(ctx context.Context, rel *council.BranchRelation) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal branch: %w", err)
	}
	if err := s.client.RPush(ctx, s.branchesKey(rel.ParentID), data).Err(); err != nil {
		return fmt.Errorf("append branch: %w", err)
	}
	return nil
}

// ListBranches returns the branch relations whose parent is the given session.
func (s *RedisStore) ListBranches(ctx context.Context, parentID string) ([]*council.BranchRelation, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	items, err := s.client.LRange(ctx, s.branchesKey(parentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}

	rels := make([]*council.BranchRelation, 0, len(items))
	for _, item := range items {
		var rel council.BranchRelation
		if err := json.Unmarshal([]byte(item), &rel); err != nil {
			return nil, fmt.Errorf("unmarshal branch: %w", err)
		}
		rels = append(rels, &rel)
	}
	return rels, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
