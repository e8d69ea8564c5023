package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestPool(t *testing.T, workers int, handler JobHandler) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(workers, rate.NewLimiter(rate.Inf, 1), handler, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	return pool
}

func TestWorkerPoolProcessesAllJobs(t *testing.T) {
	var processed int64
	pool := newTestPool(t, 4, func(ctx context.Context, job *RefreshJob) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		pool.Submit(context.Background(), &RefreshJob{Symbol: "XLK"}, func(err error) {
			defer wg.Done()
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, int64(20), atomic.LoadInt64(&processed))
	stats := pool.GetStats()
	assert.Equal(t, int64(20), stats.CompletedJobs)
	assert.Equal(t, int64(0), stats.FailedJobs)
	assert.Equal(t, 4, stats.ActiveWorkers)
}

func TestWorkerPoolReportsHandlerErrors(t *testing.T) {
	handlerErr := errors.New("fetch failed")
	pool := newTestPool(t, 2, func(ctx context.Context, job *RefreshJob) error {
		if job.Symbol == "XLF" {
			return handlerErr
		}
		return nil
	})

	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range []string{"XLK", "XLF", "XLE"} {
		wg.Add(1)
		sym := symbol
		pool.Submit(context.Background(), &RefreshJob{Symbol: sym}, func(err error) {
			defer wg.Done()
			mu.Lock()
			results[sym] = err
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.NoError(t, results["XLK"])
	assert.ErrorIs(t, results["XLF"], handlerErr)
	assert.NoError(t, results["XLE"])

	stats := pool.GetStats()
	assert.Equal(t, int64(2), stats.CompletedJobs)
	assert.Equal(t, int64(1), stats.FailedJobs)
}

func TestWorkerPoolSubmitWithCancelledContext(t *testing.T) {
	block := make(chan struct{})
	pool := newTestPool(t, 1, func(ctx context.Context, job *RefreshJob) error {
		<-block
		return nil
	})
	defer close(block)

	// Saturate the worker, the dispatcher, and the queue buffer so the
	// cancelled submit below cannot be enqueued.
	for i := 0; i < 4; i++ {
		pool.Submit(context.Background(), &RefreshJob{Symbol: "XLK"}, nil)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	pool.Submit(ctx, &RefreshJob{Symbol: "XLE"}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked for cancelled submit")
	}
}

func TestWorkerPoolDoubleStartAndStop(t *testing.T) {
	pool := NewWorkerPool(1, rate.NewLimiter(rate.Inf, 1), func(ctx context.Context, job *RefreshJob) error {
		return nil
	}, nil)

	require.Error(t, pool.Stop(context.Background()), "stop before start is rejected")
	require.NoError(t, pool.Start(context.Background()))
	require.Error(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
	require.Error(t, pool.Stop(context.Background()))
}

func TestWorkerPoolRateLimiterCancellation(t *testing.T) {
	// A zero-rate limiter never grants permission, so jobs fail with the
	// context error once cancelled.
	pool := NewWorkerPool(1, rate.NewLimiter(0, 1), func(ctx context.Context, job *RefreshJob) error {
		return nil
	}, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The first job consumes the limiter's initial burst token; the second
	// blocks until the context deadline.
	first := make(chan error, 1)
	pool.Submit(ctx, &RefreshJob{Symbol: "XLK"}, func(err error) {
		first <- err
	})
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first job did not complete")
	}

	done := make(chan error, 1)
	pool.Submit(ctx, &RefreshJob{Symbol: "XLE"}, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limiting failed")
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fail on rate limiter cancellation")
	}
}
