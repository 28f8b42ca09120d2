package shield

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/sqlite"
)

func TestStoreShield_CountsOnlyChanges(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	s := New(db)
	targets := domain.TargetSelection{Applications: []string{"app.video"}}

	require.NoError(t, s.Apply(ctx, targets, true))
	require.NoError(t, s.Apply(ctx, targets, true))
	n, err := s.Transitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Apply(ctx, targets, false))
	n, _ = s.Transitions(ctx)
	assert.Equal(t, int64(2), n)

	v, _, _ := db.Get(ctx, domain.KeyShieldState)
	assert.Equal(t, "unblocked", v)
}

func TestStoreShield_EmptySelection(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, New(db).Apply(context.Background(), domain.TargetSelection{}, true))
	v, _, _ := db.Get(context.Background(), domain.KeyShieldState)
	assert.Equal(t, "blocking", v)
}
