package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/config"
	"github.com/sectorpulse/go-sector-flow/internal/logger"
)

// schedulerTickInterval is how often the scheduler checks for due tasks.
const schedulerTickInterval = time.Second

// taskTimeout bounds a single scheduled task execution.
const taskTimeout = 5 * time.Minute

// Task is one recurring unit of scheduled work.
type Task interface {
	ID() string
	Execute(ctx context.Context) error
	NextRun() time.Time
	SetNextRun(t time.Time)
	// Reschedule computes the run after a completed execution.
	Reschedule(now time.Time) time.Time
}

// SchedulerStats reports scheduler activity.
type SchedulerStats struct {
	TotalTasks    int
	RunningTasks  int
	CompletedRuns int64
	FailedRuns    int64
	LastRunTime   time.Time
	NextRunTime   time.Time
	UptimeSeconds int64
}

// Scheduler drives periodic bar refreshes and snapshot computation using a
// plain ticker loop. Tasks carry their own next-run times; the daily refresh
// aligns to the UTC day boundary when configured.
type Scheduler struct {
	cfg      config.SchedulerConfig
	pipeline *Pipeline
	logger   *logger.ComponentLogger

	isRunning int32
	isPaused  int32
	startTime time.Time

	tasks   []Task
	tasksMu sync.RWMutex

	ticker *time.Ticker

	taskSemaphore chan struct{}
	runningTasks  int32

	completedRuns int64
	failedRuns    int64
	lastRunTime   time.Time
	statsMu       sync.RWMutex

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewScheduler creates a scheduler for the pipeline. Tasks are registered
// from the configuration: a bar refresh plus snapshot at the bar interval,
// and a quote refresh at the quote interval when a quote provider exists.
func NewScheduler(cfg config.SchedulerConfig, p *Pipeline, loggerMgr *logger.Manager) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &Scheduler{
		cfg:           cfg,
		pipeline:      p,
		logger:        loggerMgr.GetComponentLogger("scheduler"),
		shutdownCh:    make(chan struct{}),
		taskSemaphore: make(chan struct{}, maxConcurrent),
	}
	s.initializeTasks()
	return s
}

func (s *Scheduler) initializeTasks() {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	now := time.Now()

	barTask := &refreshTask{
		id:       "bar_refresh",
		interval: s.cfg.BarIntervalDuration(),
		align:    s.cfg.AlignToDay,
		run: func(ctx context.Context) error {
			if _, err := s.pipeline.RefreshBars(ctx); err != nil {
				return err
			}
			_, err := s.pipeline.ComputeSnapshot(ctx, 0)
			return err
		},
	}
	barTask.nextRun = barTask.Reschedule(now)
	s.tasks = append(s.tasks, barTask)

	if s.pipeline.quotes != nil {
		quoteTask := &refreshTask{
			id:       "quote_refresh",
			interval: s.cfg.QuoteIntervalDuration(),
			run: func(ctx context.Context) error {
				_, err := s.pipeline.FetchQuotes(ctx)
				return err
			},
		}
		quoteTask.nextRun = quoteTask.Reschedule(now)
		s.tasks = append(s.tasks, quoteTask)
	}

	for _, task := range s.tasks {
		s.logger.Info("initialized scheduled task",
			"id", task.ID(),
			"next_run", task.NextRun())
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}

	s.logger.Info("starting scheduler",
		"bar_interval", s.cfg.BarInterval,
		"quote_interval", s.cfg.QuoteInterval,
		"align_to_day", s.cfg.AlignToDay,
		"max_concurrent", cap(s.taskSemaphore))

	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ticker = time.NewTicker(schedulerTickInterval)

	s.wg.Add(1)
	go s.schedulingLoop()
	return nil
}

// Stop shuts the scheduler down, waiting for running tasks up to the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return fmt.Errorf("scheduler is not running")
	}

	s.logger.Info("stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// Pause stops task scheduling without shutting down.
func (s *Scheduler) Pause() error {
	if atomic.LoadInt32(&s.isRunning) == 0 {
		return fmt.Errorf("scheduler is not running")
	}
	if !atomic.CompareAndSwapInt32(&s.isPaused, 0, 1) {
		return fmt.Errorf("scheduler is already paused")
	}
	s.logger.Info("scheduler paused")
	return nil
}

// Resume restarts a paused scheduler.
func (s *Scheduler) Resume() error {
	if atomic.LoadInt32(&s.isRunning) == 0 {
		return fmt.Errorf("scheduler is not running")
	}
	if !atomic.CompareAndSwapInt32(&s.isPaused, 1, 0) {
		return fmt.Errorf("scheduler is not paused")
	}
	s.logger.Info("scheduler resumed")
	return nil
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// IsPaused reports whether the scheduler is paused.
func (s *Scheduler) IsPaused() bool {
	return atomic.LoadInt32(&s.isPaused) == 1
}

// GetStats returns current scheduler statistics.
func (s *Scheduler) GetStats() SchedulerStats {
	s.statsMu.RLock()
	lastRun := s.lastRunTime
	s.statsMu.RUnlock()

	s.tasksMu.RLock()
	totalTasks := len(s.tasks)
	nextRun := time.Time{}
	for _, task := range s.tasks {
		if t := task.NextRun(); nextRun.IsZero() || t.Before(nextRun) {
			nextRun = t
		}
	}
	s.tasksMu.RUnlock()

	uptime := int64(0)
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}

	return SchedulerStats{
		TotalTasks:    totalTasks,
		RunningTasks:  int(atomic.LoadInt32(&s.runningTasks)),
		CompletedRuns: atomic.LoadInt64(&s.completedRuns),
		FailedRuns:    atomic.LoadInt64(&s.failedRuns),
		LastRunTime:   lastRun,
		NextRunTime:   nextRun,
		UptimeSeconds: uptime,
	}
}

func (s *Scheduler) schedulingLoop() {
	defer s.wg.Done()
	defer s.ticker.Stop()

	for {
		select {
		case <-s.ticker.C:
			if atomic.LoadInt32(&s.isPaused) == 1 {
				continue
			}
			s.processDueTasks()

		case <-s.shutdownCh:
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processDueTasks() {
	now := time.Now()

	s.tasksMu.RLock()
	var due []Task
	for _, task := range s.tasks {
		if task.NextRun().Before(now.Add(schedulerTickInterval)) {
			due = append(due, task)
		}
	}
	s.tasksMu.RUnlock()

	if len(due) == 0 {
		return
	}

	s.statsMu.Lock()
	s.lastRunTime = now
	s.statsMu.Unlock()

	for _, task := range due {
		select {
		case s.taskSemaphore <- struct{}{}:
			atomic.AddInt32(&s.runningTasks, 1)
			// Push the next run out before executing so a slow task is
			// not re-triggered by the next tick.
			task.SetNextRun(task.Reschedule(now))
			s.wg.Add(1)
			go s.executeTask(task)
		default:
			s.logger.Warn("no free slots for scheduled task",
				"id", task.ID(),
				"max_concurrent", cap(s.taskSemaphore))
		}
	}
}

func (s *Scheduler) executeTask(task Task) {
	defer s.wg.Done()
	defer func() {
		<-s.taskSemaphore
		atomic.AddInt32(&s.runningTasks, -1)
	}()

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	err := task.Execute(ctx)
	duration := time.Since(startTime)

	if err != nil {
		atomic.AddInt64(&s.failedRuns, 1)
		s.logger.Error("scheduled task failed",
			"id", task.ID(),
			"error", err,
			"duration", duration)
	} else {
		atomic.AddInt64(&s.completedRuns, 1)
		s.logger.Debug("scheduled task completed",
			"id", task.ID(),
			"duration", duration)
	}
}

// refreshTask is the concrete recurring task used by the scheduler.
type refreshTask struct {
	id       string
	interval time.Duration
	align    bool
	run      func(ctx context.Context) error

	mu      sync.RWMutex
	nextRun time.Time
}

func (t *refreshTask) ID() string { return t.id }

func (t *refreshTask) Execute(ctx context.Context) error { return t.run(ctx) }

func (t *refreshTask) NextRun() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextRun
}

func (t *refreshTask) SetNextRun(next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextRun = next
}

// Reschedule computes the next run. Day-aligned tasks land on the next UTC
// midnight; everything else just advances by the interval.
func (t *refreshTask) Reschedule(now time.Time) time.Time {
	if t.align && t.interval >= 24*time.Hour {
		return nextDayBoundary(now)
	}
	return now.Add(t.interval)
}

// nextDayBoundary returns the next UTC midnight after t.
func nextDayBoundary(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
