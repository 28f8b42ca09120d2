package enforcement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/monitor"
	"github.com/stepgate/stepgate/internal/infra/sqlite"
)

// MockShield records platform shield calls.
type MockShield struct {
	mock.Mock
}

func (m *MockShield) Apply(ctx context.Context, targets domain.TargetSelection, active bool) error {
	args := m.Called(ctx, targets, active)
	return args.Error(0)
}

// MockScheduler stands in for the platform usage monitor.
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Arm(ctx context.Context, threshold int64, targets domain.TargetSelection) error {
	return m.Called(ctx, threshold, targets).Error(0)
}

func (m *MockScheduler) Disarm(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockScheduler) Armed(ctx context.Context) (int64, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

func fixedNow() time.Time { return testNow }

func testSession(threshold int64) *domain.Session {
	return &domain.Session{
		ID:                    "s-1",
		StartedAt:             testNow,
		EndTime:               testNow.Add(10 * time.Minute),
		DurationMinutes:       10,
		UsageThresholdMinutes: threshold,
	}
}

func persistSession(t *testing.T, db *sqlite.DB, s *domain.Session) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: s.Values()}, nil
	}))
}

// ─── Desired ────────────────────────────────────────────────────────────────

func TestDesired(t *testing.T) {
	s := testSession(15)
	tests := []struct {
		name string
		mode domain.Mode
		s    *domain.Session
		now  time.Time
		used int64
		want domain.ShieldState
	}{
		{"idle blocks", domain.ModeIdle, s, testNow, 0, domain.ShieldBlocking},
		{"no session blocks", domain.ModeEarning, nil, testNow, 0, domain.ShieldBlocking},
		{"active session unblocks", domain.ModeEarning, s, testNow, 5, domain.ShieldUnblocked},
		{"end time reached", domain.ModeEarning, s, s.EndTime, 0, domain.ShieldBlocking},
		{"threshold reached", domain.ModeEarning, s, testNow, 15, domain.ShieldBlocking},
		{"unknown mode blocks", domain.Mode(""), s, testNow, 0, domain.ShieldBlocking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Desired(tt.mode, tt.s, tt.now, tt.used))
		})
	}
}

// ─── ApplyShield ────────────────────────────────────────────────────────────

func TestApplyShield_Idempotent(t *testing.T) {
	db := newTestDB(t)
	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil).Once()
	e := New(db, sh, monitor.New(db, nil, fixedNow))
	ctx := context.Background()

	require.NoError(t, e.ApplyShield(ctx, domain.ShieldBlocking))
	require.NoError(t, e.ApplyShield(ctx, domain.ShieldBlocking))
	sh.AssertNumberOfCalls(t, "Apply", 1)
}

func TestApplyShield_ReappliesAfterExternalChange(t *testing.T) {
	db := newTestDB(t)
	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil)
	e := New(db, sh, monitor.New(db, nil, fixedNow))
	ctx := context.Background()

	require.NoError(t, e.ApplyShield(ctx, domain.ShieldBlocking))
	require.NoError(t, db.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
		return domain.Mutation{Set: map[string]string{domain.KeyShieldState: domain.ShieldUnblocked.String()}}, nil
	}))
	require.NoError(t, e.ApplyShield(ctx, domain.ShieldBlocking))
	sh.AssertNumberOfCalls(t, "Apply", 2)
}

func TestApplyShield_FailureIsUnavailable(t *testing.T) {
	db := newTestDB(t)
	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(errors.New("revoked"))
	e := New(db, sh, monitor.New(db, nil, fixedNow))
	ctx := context.Background()

	err := e.ApplyShield(ctx, domain.ShieldBlocking)
	assert.ErrorIs(t, err, domain.ErrEnforcementUnavailable)

	// A failed application is not cached.
	_ = e.ApplyShield(ctx, domain.ShieldBlocking)
	sh.AssertNumberOfCalls(t, "Apply", 2)
}

// ─── Enforce ────────────────────────────────────────────────────────────────

func TestEnforce_UnlockArmsBeforeUnblocking(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	persistSession(t, db, testSession(15))
	var order []string

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, false).Return(nil).Run(func(mock.Arguments) {
		order = append(order, "unblock")
	})
	wd := new(MockScheduler)
	wd.On("Armed", mock.Anything).Return(int64(0), false, nil)
	wd.On("Disarm", mock.Anything).Return(nil)
	wd.On("Arm", mock.Anything, int64(15), mock.Anything).Return(nil).Run(func(mock.Arguments) {
		order = append(order, "arm")
	})

	e := New(db, sh, wd)
	got, err := e.Enforce(ctx, domain.ShieldUnblocked, testSession(15))
	require.NoError(t, err)
	assert.Equal(t, domain.ShieldUnblocked, got)
	assert.Equal(t, []string{"arm", "unblock"}, order)
	wd.AssertExpectations(t)
}

func TestEnforce_ArmFailureStaysBlocking(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	persistSession(t, db, testSession(15))

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil)
	wd := new(MockScheduler)
	wd.On("Armed", mock.Anything).Return(int64(0), false, nil)
	wd.On("Disarm", mock.Anything).Return(nil)
	wd.On("Arm", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no permission"))

	e := New(db, sh, wd)
	got, err := e.Enforce(ctx, domain.ShieldUnblocked, testSession(15))
	assert.ErrorIs(t, err, domain.ErrEnforcementUnavailable)
	assert.Equal(t, domain.ShieldBlocking, got)
	sh.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, false)
}

func TestEnforce_SameThresholdNotRearmed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	persistSession(t, db, testSession(15))

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, false).Return(nil)
	wd := new(MockScheduler)
	wd.On("Armed", mock.Anything).Return(int64(15), true, nil)

	e := New(db, sh, wd)
	_, err := e.Enforce(ctx, domain.ShieldUnblocked, testSession(15))
	require.NoError(t, err)
	wd.AssertNotCalled(t, "Arm", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnforce_EndedSessionNeverUnblocks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil)
	wd := new(MockScheduler)
	wd.On("Armed", mock.Anything).Return(int64(0), false, nil)

	e := New(db, sh, wd)
	got, err := e.Enforce(ctx, domain.ShieldUnblocked, testSession(15))
	require.NoError(t, err)
	assert.Equal(t, domain.ShieldBlocking, got)
	sh.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, false)
	wd.AssertNotCalled(t, "Arm", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnforce_ReblocksWhenSessionEndsDuringUnlock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	persistSession(t, db, testSession(15))
	mon := monitor.New(db, nil, fixedNow)

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, false).Return(nil).Run(func(mock.Arguments) {
		// The watchdog handler clears the session while the shield lifts.
		require.NoError(t, db.Update(ctx, nil, func(map[string]string) (domain.Mutation, error) {
			return domain.Mutation{Delete: domain.SessionKeys}, nil
		}))
	}).Once()
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil).Once()

	e := New(db, sh, mon)
	got, err := e.Enforce(ctx, domain.ShieldUnblocked, testSession(15))
	require.NoError(t, err)
	assert.Equal(t, domain.ShieldBlocking, got)
	sh.AssertExpectations(t)

	_, armed, err := mon.Armed(ctx)
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestLock_DisarmsWatchdog(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mon := monitor.New(db, nil, fixedNow)
	require.NoError(t, mon.Arm(ctx, 30, domain.TargetSelection{}))

	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.Anything, true).Return(nil)
	e := New(db, sh, mon)

	require.NoError(t, e.Lock(ctx))
	_, armed, err := mon.Armed(ctx)
	require.NoError(t, err)
	assert.False(t, armed)
}

// ─── Targets ────────────────────────────────────────────────────────────────

func TestSetTargets_ReappliesAndRearms(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mon := monitor.New(db, nil, fixedNow)
	require.NoError(t, mon.Arm(ctx, 20, domain.TargetSelection{}))

	sel := domain.TargetSelection{Applications: []string{"com.example.video", "com.example.video"}}
	sh := new(MockShield)
	sh.On("Apply", mock.Anything, mock.MatchedBy(func(ts domain.TargetSelection) bool {
		return ts.Count() == 1
	}), true).Return(nil).Once()
	e := New(db, sh, mon)

	n, err := e.SetTargets(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sh.AssertExpectations(t)

	got, err := e.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.video"}, got.Applications)

	th, armed, _ := mon.Armed(ctx)
	assert.True(t, armed)
	assert.Equal(t, int64(20), th)
}
