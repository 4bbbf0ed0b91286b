// Package redis provides a store.Store that keeps data on Redis.
//
// Each key holds its size in bytes as a decimal integer string, so
// AddSizeBytes is a single atomic INCRBY.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/treeverse/quotamgr/pkg/store"
)

const scanCount = 100

// Store is a Redis-backed store.Store on a single Redis node.  Scan lists
// keys with SCAN and reads them with one MGET, neither of which spans the
// shards of a Redis Cluster.
type Store struct {
	client    *goredis.Client
	keyPrefix string
}

var _ store.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotamgr:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store on the node client connects to.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotamgr:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) (store.Value, error) {
	n, err := s.client.Get(ctx, s.keyPrefix+key).Int64()
	if errors.Is(err, goredis.Nil) {
		return store.Value{}, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return store.Value{}, fmt.Errorf("quotamgr/redis: get %s: %w", key, err)
	}
	return store.Value{SizeBytes: n}, nil
}

func (s *Store) Set(ctx context.Context, key string, value store.Value) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value.SizeBytes, 0).Err(); err != nil {
		return fmt.Errorf("quotamgr/redis: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) AddSizeBytes(ctx context.Context, key string, numBytes int64) error {
	if err := s.client.IncrBy(ctx, s.keyPrefix+key, numBytes).Err(); err != nil {
		return fmt.Errorf("quotamgr/redis: incrby %s: %w", key, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix string) ([]store.Record, error) {
	match := escapeGlob(s.keyPrefix+prefix) + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("quotamgr/redis: scan %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quotamgr/redis: mget %s: %w", prefix, err)
	}
	records := make([]store.Record, 0, len(keys))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quotamgr/redis: parse %s: %w", keys[i], err)
		}
		records = append(records, store.Record{
			Key:   strings.TrimPrefix(keys[i], s.keyPrefix),
			Value: store.Value{SizeBytes: n},
		})
	}
	return records, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
