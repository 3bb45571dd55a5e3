package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(nil, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestServiceCreateValidates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "   ", 10, PriorityHigh)
	require.True(t, IsTaskError(err, CodeTaskValidation))

	_, err = svc.Create(ctx, "job", 0, PriorityHigh)
	require.True(t, IsTaskError(err, CodeTaskValidation))

	_, err = svc.Create(ctx, "job", 10, Priority("urgent"))
	require.True(t, IsTaskError(err, CodeTaskValidation))

	require.Equal(t, StatsSnapshot{}, svc.Stats())
}

func TestServiceCreateDefaults(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := NewService(nil, nil, WithClock(func() time.Time { return fixed }), WithIDGenerator(func() string { return "fixed-id" }))
	defer svc.Close()

	sub := svc.Subscribe()
	defer sub.Close()

	created, err := svc.Create(context.Background(), "job", 25, "")
	require.NoError(t, err)
	require.Equal(t, "fixed-id", created.ID)
	require.Equal(t, StatusPending, created.Status)
	require.Equal(t, PriorityMedium, created.Priority)
	require.Equal(t, fixed, created.CreatedAt)
	require.Nil(t, created.StartedAt)
	require.Nil(t, created.CompletedAt)
	require.Nil(t, created.ErrorMessage)

	event := <-sub.C()
	require.Equal(t, "fixed-id", event.TaskID)
	require.Equal(t, StatusPending, event.Task.Status)

	stats := svc.Stats()
	require.EqualValues(t, 1, stats.TotalTasks)
	require.EqualValues(t, 1, stats.Pending)
}

func TestServiceCancelPending(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "job", 1000, PriorityLow)
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	stats := svc.Stats()
	require.EqualValues(t, 0, stats.Pending)
	require.EqualValues(t, 1, stats.Cancelled)

	_, err = svc.Cancel(ctx, created.ID)
	require.True(t, IsTaskError(err, CodeTaskInvalidState))
	require.Equal(t, stats, svc.Stats())
}

func TestServiceCancelProcessingKeepsProcessingCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "job", 1000, PriorityHigh)
	require.NoError(t, err)
	_, err = svc.claim(ctx, created.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, created.ID)
	require.NoError(t, err)

	stats := svc.Stats()
	require.EqualValues(t, 1, stats.Processing)
	require.EqualValues(t, 1, stats.Cancelled)

	_, err = svc.finish(ctx, created.ID, nil)
	require.True(t, errors.Is(err, errFinishSuppressed))

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, stats, svc.Stats())
}

func TestServiceCancelUnknown(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Cancel(context.Background(), "missing")
	require.True(t, IsTaskError(err, CodeTaskNotFound))
	require.Equal(t, StatsSnapshot{}, svc.Stats())
}

func TestServiceClaimRejectsCancelledTask(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "job", 10, PriorityHigh)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, created.ID)
	require.NoError(t, err)

	_, err = svc.claim(ctx, created.ID)
	require.True(t, IsTaskError(err, CodeTaskInvalidState))
	require.EqualValues(t, 0, svc.Stats().Processing)
}

func TestServiceFinishRecordsFailure(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "job", 10, PriorityHigh)
	require.NoError(t, err)
	_, err = svc.claim(ctx, created.ID)
	require.NoError(t, err)

	failed, err := svc.finish(ctx, created.ID, errors.New("disk full"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "disk full", *failed.ErrorMessage)

	stats := svc.Stats()
	require.EqualValues(t, 1, stats.Failed)
	require.EqualValues(t, 0, stats.Processing)
	require.Zero(t, stats.AverageProcessingTimeMS)
}

func TestServiceListAndWait(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, "a", 10, PriorityLow)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "b", 10, PriorityHigh)
	require.NoError(t, err)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	high, err := svc.List(ctx, WithPriorities(PriorityHigh))
	require.NoError(t, err)
	require.Len(t, high, 1)
	require.Equal(t, "b", high[0].Name)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = svc.Cancel(context.Background(), a.ID)
	}()
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	done, err := svc.WaitUntilFinished(waitCtx, a.ID, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, done.Status)
}

// stallingStore 在 Processing 提交返回前暂停，用于构造领取与取消交错的时序。
type stallingStore struct {
	*MemoryStore
	claimed chan struct{}
	release chan struct{}
}

func (s *stallingStore) Mutate(ctx context.Context, id string, fn MutateFunc, onCommit CommitFunc) (*Task, error) {
	snapshot, err := s.MemoryStore.Mutate(ctx, id, fn, onCommit)
	if err == nil && snapshot.Status == StatusProcessing {
		close(s.claimed)
		<-s.release
	}
	return snapshot, err
}

func TestServiceEventOrderSurvivesCancelDuringClaim(t *testing.T) {
	store := &stallingStore{
		MemoryStore: NewMemoryStore(),
		claimed:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := NewService(store, nil)
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	sub := svc.Subscribe()
	defer sub.Close()

	created, err := svc.Create(ctx, "job", 10, PriorityMedium)
	require.NoError(t, err)

	claimErr := make(chan error, 1)
	go func() {
		_, err := svc.claim(ctx, created.ID)
		claimErr <- err
	}()

	<-store.claimed
	_, err = svc.Cancel(ctx, created.ID)
	require.NoError(t, err)
	close(store.release)
	require.NoError(t, <-claimErr)

	var statuses []Status
	for len(statuses) < 3 {
		select {
		case event := <-sub.C():
			require.Equal(t, created.ID, event.TaskID)
			statuses = append(statuses, event.Task.Status)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", statuses)
		}
	}
	require.Equal(t, []Status{StatusPending, StatusProcessing, StatusCancelled}, statuses)

	stats := svc.Stats()
	require.EqualValues(t, 1, stats.Processing)
	require.EqualValues(t, 1, stats.Cancelled)
}
