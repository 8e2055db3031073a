// Package redis provides a go-redis-backed durable store for payment
// records. Each (group, scope) key maps to a sorted set scored by
// settlement time, which makes windowed sums a single range query.
package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/meefs/agentpay/track"
)

const defaultPrefix = "agentpay:spend"

// Store persists payment records in Redis sorted sets. Members encode
// "id|direction|amount"; the score is the settlement time in
// microseconds since the epoch.
type Store struct {
	client *goredis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix (default "agentpay:spend").
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a store over an existing Redis client. The client's
// lifecycle belongs to the caller.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(group, scope string) string {
	return s.prefix + ":" + group + ":" + scope
}

// Append implements track.Store.
func (s *Store) Append(ctx context.Context, rec track.Record) error {
	member := rec.ID.String() + "|" + string(rec.Direction) + "|" + rec.Amount.String()
	err := s.client.ZAdd(ctx, s.key(rec.Group, rec.Scope), goredis.Z{
		Score:  float64(rec.At.UnixMicro()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd payment record: %w", err)
	}
	return nil
}

// SumSince implements track.Store.
func (s *Store) SumSince(ctx context.Context, group, scope string, since time.Time) (*big.Int, error) {
	min := "-inf"
	if !since.IsZero() {
		// Exclusive bound: records at exactly `since` fall outside the window.
		min = "(" + strconv.FormatInt(since.UnixMicro(), 10)
	}

	members, err := s.client.ZRangeByScore(ctx, s.key(group, scope), &goredis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore payment records: %w", err)
	}

	total := new(big.Int)
	for _, member := range members {
		parts := strings.SplitN(member, "|", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed payment record member %q", member)
		}
		amount, ok := new(big.Int).SetString(parts[2], 10)
		if !ok {
			return nil, fmt.Errorf("malformed amount in payment record member %q", member)
		}
		total.Add(total, amount)
	}
	return total, nil
}
