package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/metrics"
	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
)

const (
	DefaultClaimTimeout = 5 * time.Second
	bookkeepingTimeout  = 10 * time.Second
	bookkeepingRetry    = 100 * time.Millisecond
	claimErrorPause     = 500 * time.Millisecond
)

// ErrJobTimeout is the failure recorded for a handler that overran the queue timeout
var ErrJobTimeout = errors.New("job timed out")

// Handler runs one stage job and returns the value stored as the job result
type Handler interface {
	Process(ctx context.Context, job *model.Job) (interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *model.Job) (interface{}, error)

// Process implements Handler
func (f HandlerFunc) Process(ctx context.Context, job *model.Job) (interface{}, error) {
	return f(ctx, job)
}

// Listener is notified after a job finishes an attempt
type Listener interface {
	OnCompleted(ctx context.Context, job *model.Job)
	OnFailed(ctx context.Context, job *model.Job, err error, terminal bool)
}

// Recorder receives job lifecycle measurements
type Recorder interface {
	StartJob(queue string) string
	EndJob(token string, t metrics.Timings)
	RecordError(token string, err error)
}

// elapsedReporter is implemented by results that know the end-to-end duration
type elapsedReporter interface {
	Elapsed() time.Duration
}

// PoolConfig tunes a worker pool. Concurrency and timeout come from the queue.
type PoolConfig struct {
	ClaimTimeout time.Duration
}

// Pool runs the handler of one queue on Concurrency goroutines
type Pool struct {
	queue    *queue.Queue
	handler  Handler
	recorder Recorder
	log      *zap.Logger
	cfg      PoolConfig

	mu        sync.RWMutex
	listeners []Listener

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	jobCtx      context.Context
	jobCancel   context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool creates a pool for q. recorder may be nil.
func NewPool(q *queue.Queue, handler Handler, recorder Recorder, log *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:    q,
		handler:  handler,
		recorder: recorder,
		log:      log.Named("worker").With(zap.String("queue", q.Name())),
		cfg:      cfg,
	}
}

// Queue returns the queue this pool consumes
func (p *Pool) Queue() *queue.Queue {
	return p.queue
}

// Subscribe registers l for completion and failure events
func (p *Pool) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Start launches the worker loops and returns immediately
func (p *Pool) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	// in-flight jobs outlive Stop until its deadline
	p.jobCtx, p.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.running = true

	concurrency := p.queue.Options().Concurrency
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(runCtx)
	}
	p.log.Info("worker pool started", zap.Int("concurrency", concurrency))
	return nil
}

// Stop cancels the loops and waits for in-flight jobs to finish or ctx to end
func (p *Pool) Stop(ctx context.Context) error {
	p.lifecycleMu.Lock()
	if !p.running {
		p.lifecycleMu.Unlock()
		return nil
	}
	cancel, jobCancel := p.cancel, p.jobCancel
	p.cancel = nil
	p.running = false
	p.lifecycleMu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		jobCancel()
		<-done
		return ctx.Err()
	case <-done:
		jobCancel()
		p.log.Info("worker pool stopped")
		return nil
	}
}

func (p *Pool) runLoop(ctx context.Context) {
	defer p.wg.Done()
	jobCtx := p.jobCtx

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Claim(ctx, p.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimErrorPause):
				continue
			}
		}
		if job == nil {
			continue
		}

		p.process(jobCtx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *model.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	log.Info("job started")

	token := ""
	if p.recorder != nil {
		token = p.recorder.StartJob(p.queue.Name())
	}

	started := time.Now()
	result, execErr := p.execute(ctx, job)
	elapsed := time.Since(started)

	// the outcome is recorded even when in-flight work was cancelled
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if execErr == nil {
		err := p.settle(bookCtx, log, func() error {
			return p.queue.Complete(bookCtx, job, result)
		})
		if err != nil {
			log.Error("failed to mark job completed", zap.Error(err))
			if p.recorder != nil {
				p.recorder.RecordError(token, err)
			}
			return
		}
		if p.recorder != nil {
			p.recorder.EndJob(token, p.timings(elapsed, result))
		}
		log.Info("job completed", zap.Duration("duration", elapsed))
		for _, l := range p.snapshotListeners() {
			l.OnCompleted(bookCtx, job)
		}
		return
	}

	if p.recorder != nil {
		p.recorder.RecordError(token, execErr)
	}
	var terminal bool
	err := p.settle(bookCtx, log, func() error {
		var err error
		terminal, err = p.queue.Fail(bookCtx, job, execErr)
		return err
	})
	if err != nil {
		log.Error("failed to record job failure", zap.Error(err), zap.NamedError("cause", execErr))
		return
	}
	if terminal {
		log.Error("job failed", zap.Error(execErr), zap.Int("max_attempts", job.MaxAttempts))
	} else {
		log.Warn("job attempt failed, retry scheduled", zap.Error(execErr), zap.Timep("run_at", job.RunAt))
	}
	for _, l := range p.snapshotListeners() {
		l.OnFailed(bookCtx, job, execErr, terminal)
	}
}

// settle retries a store write that records the outcome of an attempt until
// it lands or ctx ends. A job whose write never lands stays active until its
// lease expires and a later claim recovers it.
func (p *Pool) settle(ctx context.Context, log *zap.Logger, write func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = bookkeepingRetry
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := write()
		if errors.Is(err, queue.ErrJobNotActive) || errors.Is(err, queue.ErrJobNotFound) {
			// the lease was lost; the job now belongs to another claim
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("failed to record job outcome, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

// execute runs the handler under the queue timeout. A handler that ignores
// its context is abandoned when the timeout fires.
func (p *Pool) execute(ctx context.Context, job *model.Job) (interface{}, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.queue.Options().Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))}
			}
		}()
		result, err := p.handler.Process(runCtx, job.Clone())
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %v", ErrJobTimeout, p.queue.Options().Timeout, out.err)
		}
		return out.result, out.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrJobTimeout, p.queue.Options().Timeout)
	}
}

func (p *Pool) timings(elapsed time.Duration, result interface{}) metrics.Timings {
	var t metrics.Timings
	switch p.queue.Name() {
	case model.QueueContent:
		t.Content = elapsed
	case model.QueueRender:
		t.Render = elapsed
	case model.QueueUpload:
		t.Upload = elapsed
	}
	if r, ok := result.(elapsedReporter); ok {
		t.Total = r.Elapsed()
	}
	return t
}

func (p *Pool) snapshotListeners() []Listener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Listener, len(p.listeners))
	copy(out, p.listeners)
	return out
}
