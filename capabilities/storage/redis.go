package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/measurementplane/internal/cache"
	"github.com/BaSui01/measurementplane/types"
)

// DefaultKeyPrefix prefixes result list keys when none is configured.
const DefaultKeyPrefix = "mplane:results:"

// RedisBackend keeps one redis list per topic. List expiry follows the
// manager's default TTL.
type RedisBackend struct {
	cache  *cache.Manager
	prefix string
}

// NewRedisBackend wraps m. An empty prefix uses DefaultKeyPrefix.
func NewRedisBackend(m *cache.Manager, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{cache: m, prefix: prefix}
}

// Key returns the list key of topic.
func (b *RedisBackend) Key(topic string) string { return b.prefix + topic }

// Name implements Backend.
func (b *RedisBackend) Name() string { return "redis" }

// Store implements Backend.
func (b *RedisBackend) Store(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := b.cache.Append(ctx, b.Key(rec.Topic), 0, string(data)); err != nil {
		return types.NewError(types.ErrStorage, "append result").WithCause(err)
	}
	return nil
}

// List implements Backend.
func (b *RedisBackend) List(ctx context.Context, topic string) ([]Record, error) {
	vals, err := b.cache.Range(ctx, b.Key(topic))
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "list results").WithCause(err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, types.NewError(types.ErrDecode, "corrupt stored result").WithCause(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Prune implements Backend. It reports the number of records removed.
func (b *RedisBackend) Prune(ctx context.Context, topic string) (int64, error) {
	vals, err := b.cache.Range(ctx, b.Key(topic))
	if err != nil {
		return 0, types.NewError(types.ErrStorage, "prune results").WithCause(err)
	}
	if _, err := b.cache.Delete(ctx, b.Key(topic)); err != nil {
		return 0, types.NewError(types.ErrStorage, "prune results").WithCause(err)
	}
	return int64(len(vals)), nil
}

// Topics returns the topics that have stored results.
func (b *RedisBackend) Topics(ctx context.Context) ([]string, error) {
	keys, err := b.cache.Keys(ctx, b.prefix+"*")
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "scan result keys").WithCause(err)
	}
	topics := make([]string, len(keys))
	for i, k := range keys {
		topics[i] = k[len(b.prefix):]
	}
	return topics, nil
}

// Ping implements Backend.
func (b *RedisBackend) Ping(ctx context.Context) error { return b.cache.Ping(ctx) }

// Close implements Backend.
func (b *RedisBackend) Close() error { return b.cache.Close() }
