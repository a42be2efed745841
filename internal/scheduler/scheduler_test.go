package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []*models.QueueJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job *models.QueueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	job.ID = int64(len(q.jobs) + 1)
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every now and then", &recordingQueue{})
	assert.Error(t, err)

	_, err = New("@every 1m", nil)
	assert.Error(t, err)
}

func TestEnqueueApplyDue(t *testing.T) {
	q := &recordingQueue{}
	s, err := New("@every 15m", q)
	require.NoError(t, err)

	require.NoError(t, s.EnqueueApplyDue(context.Background()))
	require.Equal(t, 1, q.count())

	job := q.jobs[0]
	assert.Equal(t, models.TaskApplyScheduledChanges, job.Kind)
	require.NotNil(t, job.DedupeKey)
	assert.Equal(t, models.TaskApplyScheduledChanges, *job.DedupeKey)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestEnqueueApplyDueSkipsDuplicate(t *testing.T) {
	s, err := New("@every 15m", &recordingQueue{err: store.ErrDuplicateTask})
	require.NoError(t, err)
	assert.NoError(t, s.EnqueueApplyDue(context.Background()))
}

func TestEnqueueApplyDueSurfacesErrors(t *testing.T) {
	s, err := New("@every 15m", &recordingQueue{err: errors.New("db down")})
	require.NoError(t, err)
	assert.EqualError(t, s.EnqueueApplyDue(context.Background()), "db down")
}

func TestCronTicksEnqueue(t *testing.T) {
	q := &recordingQueue{}
	s, err := New("@every 1s", q)
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return q.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

type fakeCleaner struct {
	retention time.Duration
	removed   int64
	err       error
}

func (c *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	c.retention = olderThan
	return c.removed, c.err
}

func TestRunCleanup(t *testing.T) {
	s, err := New("@every 1h", &recordingQueue{})
	require.NoError(t, err)

	c := &fakeCleaner{removed: 4}
	assert.Equal(t, int64(4), s.RunCleanup(context.Background(), c, 72*time.Hour))
	assert.Equal(t, 72*time.Hour, c.retention)

	c.err = errors.New("db down")
	assert.Equal(t, int64(0), s.RunCleanup(context.Background(), c, time.Hour))
}

func TestAddCleanupValidation(t *testing.T) {
	s, err := New("@every 1h", &recordingQueue{})
	require.NoError(t, err)

	assert.Error(t, s.AddCleanup("@daily", nil, time.Hour))
	assert.Error(t, s.AddCleanup("not a spec", &fakeCleaner{}, time.Hour))
	assert.NoError(t, s.AddCleanup("@daily", &fakeCleaner{}, time.Hour))
}
