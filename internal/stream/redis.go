package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// NewRedisClient creates a Redis client and pings it to verify connectivity.
func NewRedisClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// RedisBroker implements Broker on Redis Streams.
type RedisBroker struct {
	rdb redis.UniversalClient
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker wraps a go-redis client.
func NewRedisBroker(rdb redis.UniversalClient) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

// CreateGroup runs XGROUP CREATE <stream> <group> $ MKSTREAM.
func (b *RedisBroker) CreateGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return ErrGroupExists
		}
		return fmt.Errorf("redis: xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// ReadGroup runs XREADGROUP ... STREAMS <stream> >.
func (b *RedisBroker) ReadGroup(ctx context.Context, args ReadArgs) ([]Record, error) {
	block := args.Block
	if block < 0 {
		block = -1 // go-redis omits BLOCK for negative values
	}
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    args.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xreadgroup %s: %w", args.Stream, err)
	}

	var out []Record
	for _, s := range res {
		out = append(out, toRecords(s.Messages)...)
	}
	return out, nil
}

// Pending runs XPENDING <stream> <group> IDLE <ms> - + <count>.
func (b *RedisBroker) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	res, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xpending %s/%s: %w", stream, group, err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:       p.ID,
			Consumer: p.Consumer,
			Idle:     p.Idle,
			Delivery: p.RetryCount,
		})
	}
	return out, nil
}

// Claim runs XCLAIM <stream> <group> <consumer> <min-idle> <ids...>.
func (b *RedisBroker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xclaim %s/%s: %w", stream, group, err)
	}
	return toRecords(msgs), nil
}

// Ack runs XACK.
func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis: xack %s/%s: %w", stream, group, err)
	}
	return nil
}

// Add runs XADD <stream> [MAXLEN ~ n] * field value ...
func (b *RedisBroker) Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: toAnyMap(values),
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return id, nil
}

// Last returns the newest record of a stream, or nil when it is empty.
func (b *RedisBroker) Last(ctx context.Context, stream string) (*Record, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: xrevrange %s: %w", stream, err)
	}
	recs := toRecords(msgs)
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// SetStatus stores a plain status value, e.g. the websocket state of an ingester.
func (b *RedisBroker) SetStatus(ctx context.Context, key, value string) error {
	if err := b.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func toRecords(msgs []redis.XMessage) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		if m.Values == nil {
			continue // deleted entry
		}
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			switch t := v.(type) {
			case string:
				values[k] = t
			case []byte:
				values[k] = string(t)
			default:
				values[k] = fmt.Sprint(t)
			}
		}
		out = append(out, Record{ID: m.ID, Values: values})
	}
	return out
}

func toAnyMap(values map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
