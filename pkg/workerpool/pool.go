// Package workerpool provides a bounded worker pool used by the safety
// worker to cap concurrent evaluations against external data sources.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID      string
	Payload []byte
	Context context.Context
}

// Result is the outcome of processing one task.
type Result struct {
	TaskID  string
	Success bool
	Error   error
}

// WorkerFunc processes a single task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds pool tuning.
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for safety evaluation traffic.
func DefaultConfig() Config {
	return Config{
		Workers:         32,
		QueueSize:       1024,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers with a bounded queue.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a worker pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task, failing fast when the queue is full so the
// consumer can back off instead of buffering unbounded work.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains the queue and waits for workers, up to the shutdown timeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			result = &Result{TaskID: task.ID, Success: false, Error: ctx.Err()}
			break
		}

		result = p.fn(ctx, task)
		if result.Success || attempt >= p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		select {
		case <-ctx.Done():
			result = &Result{TaskID: task.ID, Success: false, Error: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			continue
		}
		break
	}

	if result.Success {
		atomic.AddInt64(&p.completed, 1)
		return
	}
	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Error(result.Error))
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
	}
}
