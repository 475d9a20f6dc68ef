package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	done := make(chan struct{})
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "job-1"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not succeed")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueuePermanentErrorsSkipRetries(t *testing.T) {
	var attempts int32
	exhausted := make(chan error, 1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(errors.New("validation failed"))
	}, QueueConfig{MaxRetries: 5, RetryDelay: time.Millisecond, OnExhausted: func(_ context.Context, _ Job, err error) {
		exhausted <- err
	}})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "job-1"}))
	select {
	case err := <-exhausted:
		assert.True(t, IsPermanent(err))
		assert.EqualError(t, err, "validation failed")
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted handler not called")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestQueueRejectsDuplicateKeysWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(1)
	q := NewQueue("test", func(ctx context.Context, job Job) error {
		<-release
		finished.Done()
		return nil
	}, QueueConfig{})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "a", Key: "stage-1"}))
	assert.ErrorIs(t, q.Enqueue(Job{ID: "b", Key: "stage-1"}), ErrDuplicateKey)

	close(release)
	finished.Wait()
	assert.Eventually(t, func() bool {
		return q.Enqueue(Job{ID: "c", Key: "stage-1"}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.Error(t, q.Enqueue(Job{ID: "x"}))
}
