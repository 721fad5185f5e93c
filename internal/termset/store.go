// Package termset persists the forbidden-term set in Redis so that every
// inspector instance works from the same list. Terms live in a sorted set
// scored by insertion time, which keeps the administrative order stable:
//
//	Key:    dlp:keywords
//	Member: <lowercase term>
//	Score:  unix microseconds of the first insertion
package termset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key is the Redis sorted set holding the forbidden terms.
const Key = "dlp:keywords"

// Store manages the persisted forbidden-term set.
type Store struct {
	client *redis.Client
	key    string
}

// NewStore creates a term store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, key: Key}
}

func normalize(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// List returns all terms in insertion order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	terms, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("termset: list: %w", err)
	}
	return terms, nil
}

// Add stores term. It reports whether the term was new; re-adding keeps the
// original position.
func (s *Store) Add(ctx context.Context, term string) (bool, error) {
	term = normalize(term)
	if term == "" {
		return false, nil
	}
	n, err := s.client.ZAddNX(ctx, s.key, redis.Z{
		Score:  float64(time.Now().UnixMicro()),
		Member: term,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("termset: add: %w", err)
	}
	return n == 1, nil
}

// Remove deletes term. It reports whether the term was present.
func (s *Store) Remove(ctx context.Context, term string) (bool, error) {
	n, err := s.client.ZRem(ctx, s.key, normalize(term)).Result()
	if err != nil {
		return false, fmt.Errorf("termset: remove: %w", err)
	}
	return n == 1, nil
}

// Seed writes terms only when the set does not exist yet, so that edits made
// through the admin API survive restarts. It returns the persisted set.
func (s *Store) Seed(ctx context.Context, terms []string) ([]string, error) {
	exists, err := s.client.Exists(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("termset: seed exists: %w", err)
	}
	if exists == 0 && len(terms) > 0 {
		base := time.Now().UnixMicro()
		members := make([]redis.Z, 0, len(terms))
		for i, t := range terms {
			if t = normalize(t); t != "" {
				members = append(members, redis.Z{Score: float64(base + int64(i)), Member: t})
			}
		}
		if err := s.client.ZAddNX(ctx, s.key, members...).Err(); err != nil {
			return nil, fmt.Errorf("termset: seed: %w", err)
		}
	}
	return s.List(ctx)
}
