package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// RedisConfig holds configuration for the Redis ledger.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// DefaultRedisPrefix namespaces the ledger keys.
const DefaultRedisPrefix = "migrate:"

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", cfg.Address, err)
	}
	return client, nil
}

// RedisLedger implements migration.LedgerStore on Redis. Ids are kept in a
// list in insertion order and product versions in a hash keyed by id.
type RedisLedger struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLedger creates a RedisLedger. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisLedger(client redis.Cmdable, prefix string) (*RedisLedger, error) {
	if client == nil {
		return nil, ErrNotStarted
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}, nil
}

func (l *RedisLedger) idsKey() string      { return l.prefix + "ids" }
func (l *RedisLedger) versionsKey() string { return l.prefix + "versions" }

// ListApplied returns all ledger records in insertion order.
func (l *RedisLedger) ListApplied(ctx context.Context) ([]migration.Record, error) {
	ids, err := l.client.LRange(ctx, l.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	versions, err := l.client.HMGet(ctx, l.versionsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger versions: %w", err)
	}

	result := make([]migration.Record, 0, len(ids))
	for i, id := range ids {
		rec := migration.Record{MigrationID: id}
		if v, ok := versions[i].(string); ok {
			rec.ProductVersion = v
		}
		result = append(result, rec)
	}
	return result, nil
}

// AppendRecords writes records in a single MULTI/EXEC block. Ids already in
// the ledger are rejected before anything is written.
func (l *RedisLedger) AppendRecords(ctx context.Context, records []migration.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := migration.ValidateRecords(records); err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.MigrationID)
	}
	existing, err := l.client.HMGet(ctx, l.versionsKey(), ids...).Result()
	if err != nil {
		return fmt.Errorf("check ledger ids: %w", err)
	}
	for i, v := range existing {
		if v != nil {
			return fmt.Errorf("%w: %s", ErrDuplicate, ids[i])
		}
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			pipe.HSet(ctx, l.versionsKey(), rec.MigrationID, rec.ProductVersion)
		}
		values := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			values = append(values, id)
		}
		pipe.RPush(ctx, l.idsKey(), values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append ledger records: %w", err)
	}
	return nil
}
