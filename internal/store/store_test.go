package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcleary/sigscan/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveScanAndCount(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveScan(ScanRecord{
		UserID:     "u1",
		Accounts:   []string{"alice", "bob"},
		Signals:    []types.Signal{{Title: "t", Summary: "s"}},
		TotalPosts: 3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := s.CountScansSince("u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountScansSince("u1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.CountScansSince("u2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBalanceDefaultsToZero(t *testing.T) {
	s := newTestStore(t)

	balance, err := s.GetBalance("nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestGrantAndDeduct(t *testing.T) {
	s := newTestStore(t)

	balance, err := s.GrantCredits("u1", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	balance, err = s.DeductCredits("u1", 4, "key-1", "scan")
	require.NoError(t, err)
	assert.Equal(t, 6, balance)
}

func TestDeductIsIdempotentUnderKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GrantCredits("u1", 10)
	require.NoError(t, err)

	balance, err := s.DeductCredits("u1", 4, "key-1", "scan")
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	// A retried deduction with the same key is a no-op.
	balance, err = s.DeductCredits("u1", 4, "key-1", "scan")
	require.NoError(t, err)
	assert.Equal(t, 6, balance)

	balance, err = s.DeductCredits("u1", 4, "key-2", "scan")
	require.NoError(t, err)
	assert.Equal(t, 2, balance)
}

func TestDeductInsufficientBalance(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GrantCredits("u1", 3)
	require.NoError(t, err)

	_, err = s.DeductCredits("u1", 5, "key-1", "scan")
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// The failed attempt must not have recorded anything.
	balance, err := s.GetBalance("u1")
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
	balance, err = s.DeductCredits("u1", 3, "key-1", "scan")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateSchedule(ScheduledScan{
		Label:     "morning scan",
		TimeOfDay: "09:30",
		Timezone:  "America/New_York",
		Days:      []time.Weekday{time.Monday, time.Friday},
		Accounts:  []string{"alice"},
		RangeDays: 1,
		UserID:    "u1",
		Enabled:   true,
	})
	require.NoError(t, err)

	schedules, err := s.ListEnabledSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, id, schedules[0].ID)
	assert.Equal(t, "09:30", schedules[0].TimeOfDay)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, schedules[0].Days)
	assert.Equal(t, ScheduleStatusNone, schedules[0].Status)

	require.NoError(t, s.SetScheduleEnabled(id, false))
	schedules, err = s.ListEnabledSchedules()
	require.NoError(t, err)
	assert.Empty(t, schedules)

	schedules, err = s.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, 1)
}

func TestClaimScheduleRunIsExclusive(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSchedule(ScheduledScan{Label: "x", TimeOfDay: "09:00", Timezone: "UTC", Accounts: []string{"a"}, RangeDays: 1, UserID: "u1", Enabled: true})
	require.NoError(t, err)

	claimed, err := s.ClaimScheduleRun(id, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimScheduleRun(id, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.FinishScheduleRun(id, ScheduleStatusSuccess, "ok"))

	claimed, err = s.ClaimScheduleRun(id, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestFinishScheduleRunRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSchedule(ScheduledScan{Label: "x", TimeOfDay: "09:00", Timezone: "UTC", Accounts: []string{"a"}, RangeDays: 1, UserID: "u1", Enabled: true})
	require.NoError(t, err)

	err = s.FinishScheduleRun(id, ScheduleStatusSuccess, "ok")
	assert.Error(t, err)
}

func TestResetStaleRunning(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSchedule(ScheduledScan{Label: "x", TimeOfDay: "09:00", Timezone: "UTC", Accounts: []string{"a"}, RangeDays: 1, UserID: "u1", Enabled: true})
	require.NoError(t, err)

	// Claimed twenty minutes ago and never finished.
	claimed, err := s.ClaimScheduleRun(id, time.Now().Add(-20*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := s.ResetStaleRunning(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	schedules, err := s.ListSchedules()
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, ScheduleStatusError, schedules[0].Status)

	// A recent runner is left alone.
	claimed, err = s.ClaimScheduleRun(id, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	n, err = s.ResetStaleRunning(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
