// Package redisstore implements the shared store on Redis so the daemon and
// watchdog handler can run on different hosts. All keys live in one hash;
// Update uses WATCH/MULTI and retries when another writer gets in first.
package redisstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/stepgate/stepgate/internal/domain"
)

// DefaultMaxRetries bounds optimistic retries per Update.
const DefaultMaxRetries = 16

var _ domain.Store = (*Store)(nil)

// Store is a Redis-hash backed domain.Store.
type Store struct {
	client     *redis.Client
	hash       string
	maxRetries int
}

// New wraps client. prefix namespaces the hash, e.g. "stepgate:".
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, hash: prefix + "state", maxRetries: DefaultMaxRetries}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable(errors.Wrap(err, "failed to ping redis"))
	}
	return New(client, prefix), nil
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(errors.Wrap(err, "failed to get key"))
	}
	return v, true, nil
}

// Snapshot reads keys with a single HMGET.
func (s *Store) Snapshot(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.hash, keys...).Result()
	if err != nil {
		return nil, unavailable(errors.Wrap(err, "failed to read snapshot"))
	}
	collect(out, keys, vals)
	return out, nil
}

// Update runs fn under WATCH on the hash and commits its mutation in MULTI.
func (s *Store) Update(ctx context.Context, keys []string, fn func(cur map[string]string) (domain.Mutation, error)) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur := make(map[string]string, len(keys))
		if len(keys) > 0 {
			vals, err := tx.HMGet(ctx, s.hash, keys...).Result()
			if err != nil {
				return err
			}
			collect(cur, keys, vals)
		}
		m, err := fn(cur)
		if err != nil {
			fnErr = err
			return err
		}
		if m.IsZero() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(m.Delete) > 0 {
				pipe.HDel(ctx, s.hash, m.Delete...)
			}
			if len(m.Set) > 0 {
				pipe.HSet(ctx, s.hash, m.Set)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, s.hash)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		if fnErr != nil {
			return fnErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unavailable(errors.Wrap(err, "failed to update state"))
	}
	return fmt.Errorf("%w: gave up after %d attempts", domain.ErrConflict, s.maxRetries)
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func collect(out map[string]string, keys []string, vals []interface{}) {
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = str
		}
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrPersistenceUnavailable, err)
}
