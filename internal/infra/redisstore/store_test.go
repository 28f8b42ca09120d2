package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepgate/stepgate/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test:")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestStore_UpdateAndSnapshot(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{domain.KeyWalletBalance: "30"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "30", mr.HGet("test:state", domain.KeyWalletBalance))

	snap, err := s.Snapshot(ctx, domain.KeyWalletBalance, domain.KeySessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{domain.KeyWalletBalance: "30"}, snap)

	v, ok, err := s.Get(ctx, domain.KeySessionID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestStore_DeleteBeforeSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{"a": "1", "b": "1"}}, nil
	}))
	require.NoError(t, s.Update(ctx, []string{"a"}, func(cur map[string]string) (domain.Mutation, error) {
		assert.Equal(t, "1", cur["a"])
		return domain.Mutation{Delete: []string{"a", "b"}, Set: map[string]string{"b": "2"}}, nil
	}))

	snap, err := s.Snapshot(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, snap)
}

func TestStore_FnErrorIsReturnedUnwrapped(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Update(context.Background(), nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{}, domain.ErrInsufficientBalance
	})
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.False(t, errors.Is(err, domain.ErrPersistenceUnavailable))
}

func TestStore_ConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	s, _ := newTestStore(t)
	s.maxRetries = 1000
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, []string{"n"}, func(cur map[string]string) (domain.Mutation, error) {
				return domain.Mutation{Set: map[string]string{"n": domain.FormatInt(domain.ParseInt(cur["n"]) + 1)}}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, _, err := s.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "10", v)
}

func TestStore_UnavailableAfterServerClose(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrPersistenceUnavailable))
}
