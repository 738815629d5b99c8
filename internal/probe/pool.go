package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-futures-availability/internal/models"
)

// WorkerJob is a single (symbol, date) existence check for the worker pool
type WorkerJob struct {
	Symbol string
	Date   time.Time
}

// JobFunc executes one job on a worker goroutine.
type JobFunc func(ctx context.Context, job WorkerJob) (models.ProbeResult, error)

// WorkerPool runs probe jobs on a fixed number of goroutines
type WorkerPool struct {
	workerCount int
	rateLimiter *rate.Limiter
	run         JobFunc
	logger      *slog.Logger

	jobQueue chan *jobWrapper
	quit     chan struct{}
	wg       sync.WaitGroup

	stats     *workerPoolStats
	isStarted int32
}

// jobWrapper wraps a job with its callback
type jobWrapper struct {
	job      WorkerJob
	callback func(models.ProbeResult, error)
	ctx      context.Context
}

// workerPoolStats tracks worker pool statistics
type workerPoolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats is a point-in-time view of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// NewWorkerPool creates a new worker pool. rateLimiter may be nil for unpaced probing.
func NewWorkerPool(workerCount int, rateLimiter *rate.Limiter, run JobFunc, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		rateLimiter: rateLimiter,
		run:         run,
		logger:      logger,
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		quit:        make(chan struct{}),
		stats:       &workerPoolStats{},
	}
}

// Start launches all workers
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("starting worker pool", "worker_count", wp.workerCount)

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
		go wp.worker(i + 1)
	}
	return nil
}

// Stop signals workers to exit and waits for them. Jobs still queued are
// completed with an error so no callback is ever lost.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}

	for {
		select {
		case jw := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			if jw.callback != nil {
				jw.callback(models.ProbeResult{Symbol: jw.job.Symbol, Date: jw.job.Date},
					fmt.Errorf("worker pool is shutting down"))
			}
		default:
			return nil
		}
	}
}

// Submit queues a job. If ctx ends before the job is queued, the callback
// receives ctx.Err() and the job never runs.
func (wp *WorkerPool) Submit(ctx context.Context, job WorkerJob, callback func(models.ProbeResult, error)) {
	if err := ctx.Err(); err != nil {
		if callback != nil {
			callback(models.ProbeResult{Symbol: job.Symbol, Date: job.Date}, err)
		}
		return
	}

	atomic.AddInt32(&wp.stats.queuedJobs, 1)
	wrapper := &jobWrapper{job: job, callback: callback, ctx: ctx}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(models.ProbeResult{Symbol: job.Symbol, Date: job.Date}, ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}

	return WorkerPoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer atomic.AddInt32(&wp.stats.activeWorkers, -1)

	for {
		select {
		case jw := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			wp.processJob(id, jw)
		case <-wp.quit:
			return
		}
	}
}

// processJob runs a single probe and reports it through the callback
func (wp *WorkerPool) processJob(workerID int, jw *jobWrapper) {
	startTime := time.Now()

	var (
		result models.ProbeResult
		err    error
	)

	if wp.rateLimiter != nil {
		if werr := wp.rateLimiter.Wait(jw.ctx); werr != nil {
			err = fmt.Errorf("rate limiting failed: %w", werr)
		}
	}
	if err == nil {
		result, err = wp.run(jw.ctx, jw.job)
	}

	duration := time.Since(startTime)
	atomic.AddInt64(&wp.stats.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&wp.stats.failedJobs, 1)
		wp.logger.Debug("probe job failed",
			"worker_id", workerID,
			"symbol", jw.job.Symbol,
			"error", err,
			"duration", duration)
	} else {
		atomic.AddInt64(&wp.stats.completedJobs, 1)
	}

	if jw.callback != nil {
		jw.callback(result, err)
	}
}
