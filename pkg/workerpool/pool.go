// Package workerpool runs intake events on a bounded set of workers with
// per-task retries. Callers wait on the task's own result channel.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("worker pool queue is full")
)

// permanentError marks an error that retrying cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool does not retry it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Task is a unit of work
type Task struct {
	ID      string
	Payload []byte

	ctx  context.Context
	done chan *Result
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// Handler processes a task. Errors are retried unless wrapped with Permanent.
type Handler func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the number of tasks that may wait for a worker
	QueueSize int
	// MaxRetries is how many times a failing task is retried
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for queued tasks
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for the intake consumer
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool is a bounded worker pool
type Pool struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, handler Handler, logger *zap.Logger) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return &Pool{
		config:  cfg,
		handler: handler,
		logger:  logger,
		tasks:   make(chan *Task, cfg.QueueSize),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task and returns the channel its result is delivered on
func (p *Pool) Submit(ctx context.Context, id string, payload []byte) (<-chan *Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	task := &Task{ID: id, Payload: payload, ctx: ctx, done: make(chan *Result, 1)}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return task.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Do submits a task and waits for its result
func (p *Pool) Do(ctx context.Context, id string, payload []byte) (*Result, error) {
	done, err := p.Submit(ctx, id, payload)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop rejects new tasks and waits for queued ones to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

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

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		res := p.run(task)
		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.completed.Add(1)
		}
		task.done <- res
	}
}

func (p *Pool) run(task *Task) *Result {
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	res := &Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		err := p.handler(ctx, task)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err
		if IsPermanent(err) || attempt >= p.config.MaxRetries {
			if attempt > 0 {
				res.Err = fmt.Errorf("after %d attempts: %w", res.Attempts, err)
			}
			return res
		}

		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", res.Attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Retried    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Retried:    p.retried.Load(),
		QueueDepth: len(p.tasks),
		Workers:    p.config.Workers,
	}
}
