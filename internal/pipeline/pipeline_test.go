package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/pipeline"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/store/memstore"
	"github.com/funnelsmith/api/internal/worker"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    pipeline.Stage
		event   pipeline.Event
		want    pipeline.Stage
		wantErr bool
	}{
		{"content completes", pipeline.StageContent, pipeline.EventCompleted, pipeline.StageRender, false},
		{"render completes", pipeline.StageRender, pipeline.EventCompleted, pipeline.StageUpload, false},
		{"upload completes", pipeline.StageUpload, pipeline.EventCompleted, pipeline.StageDone, false},
		{"render fails", pipeline.StageRender, pipeline.EventFailed, pipeline.StageFailed, false},
		{"done is absorbing", pipeline.StageDone, pipeline.EventCompleted, pipeline.StageDone, true},
		{"failed is absorbing", pipeline.StageFailed, pipeline.EventCompleted, pipeline.StageFailed, true},
		{"unknown event", pipeline.StageContent, pipeline.Event("paused"), pipeline.StageContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pipeline.Transition(tt.from, tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr && !errors.Is(err, pipeline.ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func completedJob(t *testing.T, queueName string, result interface{}) *model.Job {
	t.Helper()
	data, _ := json.Marshal(result)
	now := time.Now()
	return &model.Job{
		ID:            "req-1",
		Queue:         queueName,
		CorrelationID: "corr-1",
		State:         model.JobStateCompleted,
		Priority:      1,
		Attempts:      1,
		MaxAttempts:   3,
		Result:        data,
		FinishedAt:    &now,
	}
}

func TestResolve(t *testing.T) {
	if _, ok := pipeline.Resolve("missing", map[string]*model.Job{}, time.Now()); ok {
		t.Error("expected unknown request to be unresolved")
	}

	content := completedJob(t, model.QueueContent, &model.ContentResult{CorrelationID: "corr-1"})
	status, ok := pipeline.Resolve("req-1", map[string]*model.Job{model.QueueContent: content}, time.Now())
	if !ok {
		t.Fatal("expected status")
	}
	if status.Stage != pipeline.StageRender || status.State != model.JobStateWaiting {
		t.Errorf("expected render/waiting after content completed, got %s/%s", status.Stage, status.State)
	}

	render := completedJob(t, model.QueueRender, &model.RenderResult{Pages: 7})
	upload := completedJob(t, model.QueueUpload, &model.UploadResult{FileURL: "https://cdn/x.pdf"})
	status, _ = pipeline.Resolve("req-1", map[string]*model.Job{
		model.QueueContent: content,
		model.QueueRender:  render,
		model.QueueUpload:  upload,
	}, time.Now())
	if status.Stage != pipeline.StageDone || status.FileURL != "https://cdn/x.pdf" || status.Pages != 7 {
		t.Errorf("unexpected done status %+v", status)
	}
	if len(status.Stages) != 3 {
		t.Errorf("expected 3 stage entries, got %d", len(status.Stages))
	}

	failed := &model.Job{ID: "req-1", Queue: model.QueueRender, State: model.JobStateFailed, FailedReason: "renderer crashed"}
	status, _ = pipeline.Resolve("req-1", map[string]*model.Job{model.QueueContent: content, model.QueueRender: failed}, time.Now())
	if status.Stage != pipeline.StageFailed || status.Error != "renderer crashed" {
		t.Errorf("expected failed status with reason, got %+v", status)
	}
}

func TestResolve_StalledHandoffFails(t *testing.T) {
	content := completedJob(t, model.QueueContent, &model.ContentResult{CorrelationID: "corr-1"})
	jobs := map[string]*model.Job{model.QueueContent: content}

	status, _ := pipeline.Resolve("req-1", jobs, content.FinishedAt.Add(pipeline.HandoffGrace/2))
	if status.Stage != pipeline.StageRender || status.State != model.JobStateWaiting {
		t.Errorf("expected render/waiting during the hand-off, got %s/%s", status.Stage, status.State)
	}

	status, _ = pipeline.Resolve("req-1", jobs, content.FinishedAt.Add(2*pipeline.HandoffGrace))
	if status.Stage != pipeline.StageFailed || status.State != model.JobStateFailed {
		t.Errorf("expected failed once the hand-off stalled, got %s/%s", status.Stage, status.State)
	}
	if status.Error != "render stage was never queued" {
		t.Errorf("unexpected error %q", status.Error)
	}
}

// rejectingStore refuses new waiting jobs for one queue
type rejectingStore struct {
	*memstore.Store
	queue string
}

func (s *rejectingStore) Add(ctx context.Context, job *model.Job) (bool, error) {
	if job.Queue == s.queue && job.State == model.JobStateWaiting {
		return false, queue.ErrStoreUnavailable
	}
	return s.Store.Add(ctx, job)
}

func TestAdvance_RecordsFailedHandoff(t *testing.T) {
	store := &rejectingStore{Store: memstore.New(), queue: model.QueueRender}
	t.Cleanup(func() { store.Close() })
	reg := newRegistryOn(store)
	o := pipeline.NewOrchestrator(reg, nil)
	ctx := context.Background()

	content := completedJob(t, model.QueueContent, &model.ContentResult{CorrelationID: "corr-1"})
	if _, err := o.Advance(ctx, content); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected the enqueue error, got %v", err)
	}

	render, err := reg.MustGet(model.QueueRender).GetJob(ctx, "req-1")
	if err != nil {
		t.Fatalf("expected a failed render job, got %v", err)
	}
	if render.State != model.JobStateFailed || render.FailedReason == "" {
		t.Errorf("expected failed render job with a reason, got %s %q", render.State, render.FailedReason)
	}

	status, _ := pipeline.Resolve("req-1", map[string]*model.Job{
		model.QueueContent: content,
		model.QueueRender:  render,
	}, time.Now())
	if status.Stage != pipeline.StageFailed || status.Error != render.FailedReason {
		t.Errorf("expected failed status carrying the enqueue error, got %+v", status)
	}
}

func newRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	return newRegistryOn(store)
}

func newRegistryOn(store queue.Store) *queue.Registry {
	opts := queue.DefaultOptions()
	for name, o := range opts {
		o.Backoff = model.Backoff{Type: model.BackoffFixed, Delay: 10 * time.Millisecond}
		o.Timeout = 2 * time.Second
		opts[name] = o
	}
	return queue.NewRegistry(store, opts)
}

func TestAdvance_EnqueuesExactlyOneDownstreamJob(t *testing.T) {
	reg := newRegistry(t)
	o := pipeline.NewOrchestrator(reg, nil)
	ctx := context.Background()

	content := completedJob(t, model.QueueContent, &model.ContentResult{
		CorrelationID: "corr-1",
		Document:      model.Document{Title: "Habits", Chapters: []model.Chapter{{Title: "One"}}},
	})

	for i := 0; i < 2; i++ {
		next, err := o.Advance(ctx, content)
		if err != nil {
			t.Fatalf("advance failed: %v", err)
		}
		if next != pipeline.StageRender {
			t.Errorf("expected render stage, got %s", next)
		}
	}

	counts, _ := reg.MustGet(model.QueueRender).Counts(ctx)
	if counts.Waiting != 1 {
		t.Fatalf("expected exactly one render job, got %d", counts.Waiting)
	}

	job, err := reg.MustGet(model.QueueRender).GetJob(ctx, "req-1")
	if err != nil {
		t.Fatalf("render job not found: %v", err)
	}
	if job.Priority != 2 || job.CorrelationID != "corr-1" {
		t.Errorf("expected priority 2 and correlation corr-1, got %d and %q", job.Priority, job.CorrelationID)
	}
	var payload model.RenderPayload
	if err := job.DecodePayload(&payload); err != nil || payload.Document.Title != "Habits" {
		t.Errorf("expected document in render payload, got %+v (%v)", payload, err)
	}
}

func TestAdvance_RejectsUnfinishedJob(t *testing.T) {
	o := pipeline.NewOrchestrator(newRegistry(t), nil)
	job := &model.Job{ID: "req-1", Queue: model.QueueContent, State: model.JobStateFailed}

	if _, err := o.Advance(context.Background(), job); !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOnFailed_SpawnsNothing(t *testing.T) {
	reg := newRegistry(t)
	o := pipeline.NewOrchestrator(reg, nil)
	ctx := context.Background()

	job := &model.Job{ID: "req-1", Queue: model.QueueContent, State: model.JobStateFailed}
	o.OnFailed(ctx, job, errors.New("boom"), true)

	for _, q := range reg.Pipeline() {
		counts, _ := q.Counts(ctx)
		if counts.Waiting+counts.Delayed+counts.Active != 0 {
			t.Errorf("expected no jobs in %s after failure, got %+v", q.Name(), counts)
		}
	}
}

type stagedRun struct {
	reg     *queue.Registry
	pools   []*worker.Pool
	renders int32
}

func startPipeline(t *testing.T, content, render, upload worker.Handler) *stagedRun {
	t.Helper()
	run := &stagedRun{reg: newRegistry(t)}
	o := pipeline.NewOrchestrator(run.reg, nil)

	handlers := map[string]worker.Handler{
		model.QueueContent: content,
		model.QueueRender: worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
			atomic.AddInt32(&run.renders, 1)
			return render.Process(ctx, job)
		}),
		model.QueueUpload: upload,
	}
	for _, q := range run.reg.Pipeline() {
		p := worker.NewPool(q, handlers[q.Name()], nil, nil, worker.PoolConfig{ClaimTimeout: 50 * time.Millisecond})
		p.Subscribe(o)
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("start failed: %v", err)
		}
		run.pools = append(run.pools, p)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, p := range run.pools {
			p.Stop(ctx)
		}
	})
	return run
}

func (r *stagedRun) waitStatus(t *testing.T, id string, want pipeline.Stage) *pipeline.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *pipeline.Status
	for time.Now().Before(deadline) {
		jobs := map[string]*model.Job{}
		for _, q := range r.reg.Pipeline() {
			if job, err := q.GetJob(context.Background(), id); err == nil {
				jobs[q.Name()] = job
			}
		}
		if status, ok := pipeline.Resolve(id, jobs, time.Now()); ok {
			last = status
			if status.Stage == want {
				return status
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s did not reach %s, last status %+v", id, want, last)
	return nil
}

func contentOK() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
		return &model.ContentResult{
			CorrelationID: job.CorrelationID,
			Document:      model.Document{Title: "Habits", Chapters: []model.Chapter{{Title: "One"}}},
			RequestedAt:   job.CreatedAt,
		}, nil
	})
}

func renderOK() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
		var p model.RenderPayload
		job.DecodePayload(&p)
		return &model.RenderResult{CorrelationID: p.CorrelationID, Pages: 6, Data: []byte("%PDF-1.4"), RequestedAt: p.RequestedAt}, nil
	})
}

func uploadOK() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
		return &model.UploadResult{CorrelationID: job.CorrelationID, FileURL: "https://cdn/" + job.ID + ".pdf", UploadedAt: time.Now()}, nil
	})
}

func TestPipeline_RunsToDone(t *testing.T) {
	run := startPipeline(t, contentOK(), renderOK(), uploadOK())

	id, err := run.reg.MustGet(model.QueueContent).Enqueue(context.Background(), &model.ContentRequest{Title: "Habits"},
		queue.WithCorrelationID("corr-1"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	status := run.waitStatus(t, id, pipeline.StageDone)
	if status.FileURL != "https://cdn/"+id+".pdf" {
		t.Errorf("unexpected file url %q", status.FileURL)
	}
	if status.Pages != 6 || status.CorrelationID != "corr-1" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestPipeline_ContentFailureStopsPipeline(t *testing.T) {
	var calls int32
	failing := worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("generator unavailable")
	})
	run := startPipeline(t, failing, renderOK(), uploadOK())

	id, _ := run.reg.MustGet(model.QueueContent).Enqueue(context.Background(), &model.ContentRequest{Title: "Habits"})
	status := run.waitStatus(t, id, pipeline.StageFailed)

	if status.Error != "generator unavailable" {
		t.Errorf("unexpected error %q", status.Error)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 content attempts, got %d", calls)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&run.renders) != 0 {
		t.Error("expected no render job after content failure")
	}
}

func TestPipeline_RecoversAfterTransientFailure(t *testing.T) {
	var calls int32
	flaky := worker.HandlerFunc(func(ctx context.Context, job *model.Job) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("rate limited upstream")
		}
		return contentOK().Process(ctx, job)
	})
	run := startPipeline(t, flaky, renderOK(), uploadOK())

	id, _ := run.reg.MustGet(model.QueueContent).Enqueue(context.Background(), &model.ContentRequest{Title: "Habits"})
	run.waitStatus(t, id, pipeline.StageDone)

	job, err := run.reg.MustGet(model.QueueContent).GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("content job missing: %v", err)
	}
	if job.Attempts != 2 {
		t.Errorf("expected 2 content attempts, got %d", job.Attempts)
	}
	if atomic.LoadInt32(&run.renders) != 1 {
		t.Errorf("expected exactly one render, got %d", run.renders)
	}
}
