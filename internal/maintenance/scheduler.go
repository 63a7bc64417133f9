package maintenance

import (
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// asynqLevel maps the zap level onto asynq's
func asynqLevel(log *zap.Logger) asynq.LogLevel {
	switch {
	case log.Core().Enabled(zapcore.DebugLevel):
		return asynq.DebugLevel
	case log.Core().Enabled(zapcore.InfoLevel):
		return asynq.InfoLevel
	case log.Core().Enabled(zapcore.WarnLevel):
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}

// NewTask builds the sweep task. Unique keeps concurrent schedulers in
// several processes from enqueuing more than one sweep per interval.
func NewTask(policy Policy) *asynq.Task {
	return asynq.NewTask(TaskSweep, nil,
		asynq.Queue(QueueName),
		asynq.Unique(policy.Interval),
		asynq.MaxRetry(1),
	)
}

// Runner owns the asynq scheduler and server that drive the sweep
type Runner struct {
	scheduler *asynq.Scheduler
	server    *asynq.Server
	sweeper   *Sweeper
}

// NewRunner creates the asynq components for sweeper on the given Redis
func NewRunner(redisOpt asynq.RedisClientOpt, sweeper *Sweeper, log *zap.Logger) *Runner {
	sugar := log.Named("asynq").Sugar()
	level := asynqLevel(log)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   sugar,
		LogLevel: level,
	})
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{QueueName: 1},
		Logger:      sugar,
		LogLevel:    level,
	})

	return &Runner{scheduler: scheduler, server: server, sweeper: sweeper}
}

// Start registers the periodic task and starts both components
func (r *Runner) Start() error {
	spec := fmt.Sprintf("@every %s", r.sweeper.policy.Interval)
	if _, err := r.scheduler.Register(spec, NewTask(r.sweeper.policy)); err != nil {
		return fmt.Errorf("failed to register sweep: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweep, r.sweeper.ProcessTask)
	if err := r.server.Start(mux); err != nil {
		r.scheduler.Shutdown()
		return fmt.Errorf("failed to start maintenance server: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler and waits for a running sweep
func (r *Runner) Shutdown() {
	r.scheduler.Shutdown()
	r.server.Shutdown()
}
