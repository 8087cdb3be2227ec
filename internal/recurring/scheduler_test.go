package recurring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/money"
)

func TestLocalLockerExcludesUntilReleasedOrExpired(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	now := testNow
	l.clock = func() time.Time { return now }

	release, ok, err := l.Acquire(ctx, "job", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "job", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release(ctx)
	_, ok, _ = l.Acquire(ctx, "job", "b", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.Acquire(ctx, "job", "c", time.Minute)
	assert.True(t, ok, "expired lock is taken over")
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locker := NewLocalLocker()
	s := NewScheduler(locker, time.Minute, logger)

	var runs atomic.Int32
	job := Job{Name: "tick", Interval: time.Second, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	release, ok, err := locker.Acquire(ctx, "scheduler:tick", "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, s.RunOnce(ctx, job))
	assert.EqualValues(t, 0, runs.Load())

	release(ctx)
	assert.True(t, s.RunOnce(ctx, job))
	assert.True(t, s.RunOnce(ctx, job), "lock is released after each run")
	assert.EqualValues(t, 2, runs.Load())
}

func TestRunOnceSurvivesFailuresAndPanics(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.True(t, s.RunOnce(ctx, Job{Name: "broken", Run: func(context.Context) error {
		return errors.New("database unavailable")
	}}))
	assert.True(t, s.RunOnce(ctx, Job{Name: "panicky", Run: func(context.Context) error {
		panic("boom")
	}}))
	assert.True(t, s.RunOnce(ctx, Job{Name: "panicky", Run: func(context.Context) error { return nil }}))
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s := NewScheduler(nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))).
		Every("tick", 10*time.Millisecond, func(context.Context) error {
			if runs.Add(1) == 3 {
				cancel()
			}
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestRunRequiresJobs(t *testing.T) {
	s := NewScheduler(nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, s.Run(context.Background()))
}

func TestSchedulerDrivesProcessDue(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", "50.00")
	r := f.create(t, CreateRequest{Amount: money.MustParse("20.00")})

	s := NewScheduler(nil, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ran := s.RunOnce(context.Background(), Job{Name: "recurring", Run: func(ctx context.Context) error {
		_, err := f.mgr.ProcessDue(ctx)
		return err
	}})
	require.True(t, ran)
	assert.Equal(t, 1, f.reload(t, r.ID).TotalPayments)
}
