package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout, under the store prefix:
//
//	pending          -> sorted set of open transaction IDs, scored by start (µs)
//	tx:<id>          -> hash {started_at, next}
//	tx:<id>:entries  -> list of Entry JSON in sequence order
const (
	redisPendingKey = "pending"
	redisTxKey      = "tx:"
	redisEntries    = ":entries"

	// Optimistic lock attempts before Append gives up.
	redisWatchRetries = 8
)

// RedisStore persists the journal in Redis so that several tills, or a
// till and a back-office process, can see the same open transactions.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key. Default: "txbus:journal:"
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTimeout bounds every Store call. Default: 5s
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewRedisStore wraps client. The store owns the client: Close closes it.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  "txbus:journal:",
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects to addr and checks the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) pendingKey() string {
	return s.prefix + redisPendingKey
}

func (s *RedisStore) txKey(transactionID string) string {
	return s.prefix + redisTxKey + transactionID
}

func (s *RedisStore) entriesKey(transactionID string) string {
	return s.prefix + redisTxKey + transactionID + redisEntries
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Begin implements Store.
func (s *RedisStore) Begin(transactionID string, startedAt time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	hdr := s.txKey(transactionID)
	created, err := s.client.HSetNX(ctx, hdr, "started_at", startedAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if !created {
		return ErrExists
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hdr, "next", 1)
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
			Score:  float64(startedAt.UnixMicro()),
			Member: transactionID,
		})
		return nil
	})
	if err != nil {
		s.client.Del(ctx, hdr)
		return fmt.Errorf("begin transaction: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *RedisStore) Append(entry Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	hdr := s.txKey(entry.TransactionID)
	entry.AddedAt = entry.AddedAt.UTC()

	appendOnce := func(tx *redis.Tx) error {
		next, err := tx.HGet(ctx, hdr, "next").Int()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		entry.Sequence = next
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hdr, "next", next+1)
			pipe.RPush(ctx, s.entriesKey(entry.TransactionID), data)
			return nil
		})
		return err
	}

	for range redisWatchRetries {
		err := s.client.Watch(ctx, appendOnce, hdr)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("append entry: %w", err)
		}
		return err
	}
	return fmt.Errorf("append entry: %w", redis.TxFailedErr)
}

// Resolve implements Store.
func (s *RedisStore) Resolve(transactionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.txKey(transactionID), s.entriesKey(transactionID))
		pipe.ZRem(ctx, s.pendingKey(), transactionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve transaction: %w", err)
	}
	return nil
}

// Pending implements Store.
func (s *RedisStore) Pending() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ctx, cancel := s.ctx()
	defer cancel()

	ids, err := s.client.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	starts := make([]*redis.StringCmd, len(ids))
	lists := make([]*redis.StringSliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			starts[i] = pipe.HGet(ctx, s.txKey(id), "started_at")
			lists[i] = pipe.LRange(ctx, s.entriesKey(id), 0, -1)
		}
		return nil
	})
	// A transaction resolved between ZRANGE and the pipeline has no header.
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	records := make([]Record, 0, len(ids))
	for i, id := range ids {
		raw, err := starts[i].Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", id, err)
		}
		startedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("decode transaction header: %w", err)
		}

		rec := Record{TransactionID: id, StartedAt: startedAt}
		for _, item := range lists[i].Val() {
			var e Entry
			if err := json.Unmarshal([]byte(item), &e); err != nil {
				return nil, fmt.Errorf("decode entry: %w", err)
			}
			rec.Entries = append(rec.Entries, e)
		}
		records = append(records, rec)
	}

	sortRecords(records)
	return records, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}
