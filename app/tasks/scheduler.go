package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type SchedulerOptions struct {
	Interval    time.Duration
	Schedule    string // Cron expression, takes precedence over Interval
	TaskTimeout time.Duration
	QueueSize   int
}

// Scheduler runs poll tasks on a single worker so runs never overlap.
type Scheduler struct {
	rules      RuleSource
	runner     RunnerInterface
	lastRun    *LastRun
	opts       SchedulerOptions
	retryDelay time.Duration
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	taskQueue  chan TaskInterface
}

func NewScheduler(rules RuleSource, runner RunnerInterface, lastRun *LastRun, opts SchedulerOptions) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10
	}

	s := &Scheduler{
		rules:      rules,
		runner:     runner,
		lastRun:    lastRun,
		opts:       opts,
		retryDelay: time.Second,
		ctx:        ctx,
		cancel:     cancel,
		taskQueue:  make(chan TaskInterface, opts.QueueSize),
	}

	if opts.Schedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(opts.Schedule, func() { s.enqueuePoll("schedule") }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
		}
	} else if opts.Interval <= 0 {
		cancel()
		return nil, fmt.Errorf("poll interval must be positive")
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.worker()

	s.enqueuePoll("startup")

	if s.cron != nil {
		s.cron.Start()
		slog.Info("Scheduler started", "schedule", s.opts.Schedule)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueuePoll("interval")
			}
		}
	}()

	slog.Info("Scheduler started", "interval", s.opts.Interval.String())
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// NewPollTask builds a poll task wired to the scheduler's rules and runner.
func (s *Scheduler) NewPollTask(trigger string) *PollTask {
	return NewPollTask(trigger, s.rules, s.runner, s.lastRun)
}

func (s *Scheduler) enqueuePoll(trigger string) {
	task := s.NewPollTask(trigger)
	if err := s.EnqueueTask(task); err != nil {
		slog.Warn("Failed to enqueue PollTask", "trigger", trigger, "error", err)
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.opts.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Task execution failed", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.retryDelay * time.Duration(1<<uint(task.GetRetryCount()-1))
	if retryDelay > 30*time.Second {
		retryDelay = 30 * time.Second
	}

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "trigger", task.GetTrigger(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-time.After(retryDelay):
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
