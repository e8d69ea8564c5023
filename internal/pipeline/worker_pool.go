package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RefreshJob represents one instrument's bar refresh task.
type RefreshJob struct {
	Symbol string
	Start  time.Time
	End    time.Time
}

// JobHandler executes a refresh job. The worker pool calls it after rate
// limiting has been applied.
type JobHandler func(ctx context.Context, job *RefreshJob) error

// WorkerPool fans refresh jobs out over a fixed set of workers. Each worker
// waits on the shared rate limiter before invoking the handler, so the pool
// never exceeds the provider's request budget no matter how many workers run.
type WorkerPool struct {
	workerCount int
	rateLimiter *rate.Limiter
	handler     JobHandler
	logger      *slog.Logger

	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper

	workers []worker
	quit    chan struct{}
	wg      sync.WaitGroup

	stats     workerPoolStats
	isStarted int32
}

type jobWrapper struct {
	job      *RefreshJob
	callback func(error)
	ctx      context.Context
}

type worker struct {
	id          int
	workerQueue chan chan *jobWrapper
	jobChannel  chan *jobWrapper
	quit        chan struct{}
	rateLimiter *rate.Limiter
	handler     JobHandler
	logger      *slog.Logger
	stats       *workerPoolStats
}

type workerPoolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats is a point-in-time snapshot of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// NewWorkerPool creates a worker pool with the given concurrency and shared
// rate limiter. The handler runs once per submitted job.
func NewWorkerPool(workerCount int, rateLimiter *rate.Limiter, handler JobHandler, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		rateLimiter: rateLimiter,
		handler:     handler,
		logger:      logger,
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan struct{}),
	}
}

// Start launches the workers and the dispatcher.
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Info("starting worker pool", "worker_count", wp.workerCount)

	wp.workers = make([]worker, wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		w := worker{
			id:          i + 1,
			workerQueue: wp.workerQueue,
			jobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			rateLimiter: wp.rateLimiter,
			handler:     wp.handler,
			logger:      wp.logger,
			stats:       &wp.stats,
		}
		wp.workers[i] = w
		wp.wg.Add(1)
		go w.run(wp.wg.Done)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
	}

	wp.wg.Add(1)
	go wp.dispatch()
	return nil
}

// Stop shuts the pool down, waiting for in-flight jobs up to the context
// deadline.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	wp.logger.Info("stopping worker pool")
	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues a job for execution. The callback receives the job's result;
// if the context is cancelled before the job can be queued, the callback
// fires with the context error.
func (wp *WorkerPool) Submit(ctx context.Context, job *RefreshJob, callback func(error)) {
	atomic.AddInt32(&wp.stats.queuedJobs, 1)

	wrapper := &jobWrapper{
		job:      job,
		callback: callback,
		ctx:      ctx,
	}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)
	totalTime := atomic.LoadInt64(&wp.stats.totalJobTime)

	avgJobDuration := time.Duration(0)
	if jobCount := completed + failed; jobCount > 0 {
		avgJobDuration = time.Duration(totalTime / jobCount)
	}

	return WorkerPoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avgJobDuration,
	}
}

// dispatch hands queued jobs to idle workers.
func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)

			select {
			case jobChannel := <-wp.workerQueue:
				jobChannel <- job
			case <-wp.quit:
				if job.callback != nil {
					job.callback(fmt.Errorf("worker pool is shutting down"))
				}
				return
			}

		case <-wp.quit:
			return
		}
	}
}

func (w *worker) run(done func()) {
	defer done()

	for {
		// Advertise availability.
		select {
		case w.workerQueue <- w.jobChannel:
		case <-w.quit:
			return
		}

		select {
		case job := <-w.jobChannel:
			w.processJob(job)
		case <-w.quit:
			return
		}
	}
}

func (w *worker) processJob(wrapper *jobWrapper) {
	startTime := time.Now()

	w.logger.Debug("processing job",
		"worker_id", w.id,
		"symbol", wrapper.job.Symbol)

	if w.rateLimiter != nil {
		if err := w.rateLimiter.Wait(wrapper.ctx); err != nil {
			w.recordFailure(time.Since(startTime))
			if wrapper.callback != nil {
				wrapper.callback(fmt.Errorf("rate limiting failed: %w", err))
			}
			return
		}
	}

	err := w.handler(wrapper.ctx, wrapper.job)
	duration := time.Since(startTime)

	if err != nil {
		w.recordFailure(duration)
		w.logger.Error("job failed",
			"worker_id", w.id,
			"symbol", wrapper.job.Symbol,
			"error", err,
			"duration", duration)
	} else {
		w.recordSuccess(duration)
		w.logger.Debug("job completed",
			"worker_id", w.id,
			"symbol", wrapper.job.Symbol,
			"duration", duration)
	}

	if wrapper.callback != nil {
		wrapper.callback(err)
	}
}

func (w *worker) recordSuccess(duration time.Duration) {
	atomic.AddInt64(&w.stats.completedJobs, 1)
	atomic.AddInt64(&w.stats.totalJobTime, duration.Nanoseconds())
}

func (w *worker) recordFailure(duration time.Duration) {
	atomic.AddInt64(&w.stats.failedJobs, 1)
	atomic.AddInt64(&w.stats.totalJobTime, duration.Nanoseconds())
}
