package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/events"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.Reconcile.ActiveInterval = "10ms"
	cfg.Reconcile.IdleInterval = "20ms"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNew_SqliteBackend(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	assert.Same(t, d.DB, d.Store)
	assert.IsType(t, events.Nop{}, d.Publisher)
}

func TestNew_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisAddr = mr.Addr()

	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	_, err = d.Ingest.ReportSteps(ctx, 1500)
	require.NoError(t, err)
	assert.Equal(t, "1500", mr.HGet(cfg.Storage.KeyPrefix+"state", domain.KeyCurrentSteps))
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestFire_ClearsSessionThroughHandler(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	ctx := context.Background()

	s := domain.Session{ID: "s-9", StartedAt: time.Now(), EndTime: time.Now().Add(time.Hour), DurationMinutes: 60, UsageThresholdMinutes: 60}
	require.NoError(t, d.Store.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: s.Values()}, nil
	}))

	require.NoError(t, d.Fire(ctx, "time-limit"))
	cur, err := d.Sessions.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	assert.ErrorIs(t, d.Fire(ctx, "interval_start"), domain.ErrInvalidEvent)
}

func TestRun_ServesAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Port = freePort(t)
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	url := fmt.Sprintf("http://%s/health", cfg.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok, _ := d.Store.Get(context.Background(), domain.KeyReconcileHeartbeat)
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
