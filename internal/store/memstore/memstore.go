// Package memstore is an in-process queue.Store used by tests and by local
// development runs without Redis. Jobs do not survive a restart.
package memstore

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
)

// maxIdleWait bounds a single sleep inside Claim so delayed jobs are promoted on time
const maxIdleWait = 50 * time.Millisecond

type waitItem struct {
	id       string
	priority int
	seq      int64
}

type waitHeap []waitItem

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x interface{}) { *h = append(*h, x.(waitItem)) }
func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type queueData struct {
	jobs      map[string]*model.Job
	waiting   waitHeap
	waitSeq   map[string]int64
	delayed   map[string]time.Time
	active    map[string]time.Time // lease deadline, zero never expires
	completed []string // newest first
	failed    []string // newest first
}

func newQueueData() *queueData {
	return &queueData{
		jobs:    make(map[string]*model.Job),
		waitSeq: make(map[string]int64),
		delayed: make(map[string]time.Time),
		active:  make(map[string]time.Time),
	}
}

// Store implements queue.Store in memory
type Store struct {
	mu     sync.Mutex
	queues map[string]*queueData
	seq    int64
	notify chan struct{}
	closed bool
	now    func() time.Time
}

var _ queue.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		queues: make(map[string]*queueData),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

func (s *Store) queue(name string) *queueData {
	q, ok := s.queues[name]
	if !ok {
		q = newQueueData()
		s.queues[name] = q
	}
	return q
}

// broadcast wakes every blocked Claim; callers hold s.mu
func (s *Store) broadcast() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Store) pushWaiting(q *queueData, job *model.Job) {
	s.seq++
	q.waitSeq[job.ID] = s.seq
	heap.Push(&q.waiting, waitItem{id: job.ID, priority: job.Priority, seq: s.seq})
	job.State = model.JobStateWaiting
}

// Add implements queue.Store
func (s *Store) Add(_ context.Context, job *model.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, queue.ErrStoreUnavailable
	}

	q := s.queue(job.Queue)
	if _, exists := q.jobs[job.ID]; exists {
		return false, nil
	}
	stored := job.Clone()
	q.jobs[job.ID] = stored
	if stored.State == model.JobStateFailed {
		q.failed = append([]string{job.ID}, q.failed...)
		return true, nil
	}
	s.pushWaiting(q, stored)
	s.broadcast()
	return true, nil
}

// recoverExpired moves active jobs whose lease ran out back to delayed, or to failed
// when they have no attempts left. Callers hold s.mu.
func (s *Store) recoverExpired(q *queueData, now time.Time, keepFailed int) {
	for id, deadline := range q.active {
		if deadline.IsZero() || deadline.After(now) {
			continue
		}
		delete(q.active, id)
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		job.FailedReason = queue.LeaseExpiredReason
		if job.Attempts < job.MaxAttempts {
			runAt := now.UTC().Add(job.Backoff.Next(job.Attempts))
			job.State = model.JobStateDelayed
			job.RunAt = &runAt
			q.delayed[id] = runAt
			continue
		}
		finished := now.UTC()
		job.State = model.JobStateFailed
		job.FinishedAt = &finished
		s.pushFinished(q, &q.failed, id, keepFailed)
	}
}

// pushFinished prepends id to a finished list and trims it to keep entries
func (s *Store) pushFinished(q *queueData, list *[]string, id string, keep int) {
	*list = append([]string{id}, *list...)
	if keep > 0 && len(*list) > keep {
		for _, old := range (*list)[keep:] {
			delete(q.jobs, old)
		}
		*list = (*list)[:keep]
	}
}

func (s *Store) promote(q *queueData, now time.Time) bool {
	promoted := false
	for id, runAt := range q.delayed {
		if runAt.After(now) {
			continue
		}
		delete(q.delayed, id)
		if job, ok := q.jobs[id]; ok {
			s.pushWaiting(q, job)
			promoted = true
		}
	}
	return promoted
}

// nextDue returns the earliest delayed run time or lease deadline
func (s *Store) nextDue(q *queueData) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	for _, runAt := range q.delayed {
		consider(runAt)
	}
	for _, lease := range q.active {
		if !lease.IsZero() {
			consider(lease)
		}
	}
	return next, found
}

// Claim implements queue.Store
func (s *Store) Claim(ctx context.Context, name string, opts queue.ClaimOptions) (*model.Job, error) {
	deadline := s.now().Add(opts.Wait)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, queue.ErrStoreUnavailable
		}
		q := s.queue(name)
		now := s.now()
		s.recoverExpired(q, now, opts.KeepFailed)
		s.promote(q, now)

		for q.waiting.Len() > 0 {
			item := heap.Pop(&q.waiting).(waitItem)
			if seq, ok := q.waitSeq[item.id]; !ok || seq != item.seq {
				continue
			}
			delete(q.waitSeq, item.id)
			job := q.jobs[item.id]
			job.State = model.JobStateActive
			job.Attempts++
			started := now.UTC()
			job.ProcessedAt = &started
			job.RunAt = nil
			var lease time.Time
			if opts.Lease > 0 {
				lease = now.Add(opts.Lease)
			}
			q.active[job.ID] = lease
			out := job.Clone()
			s.mu.Unlock()
			return out, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		sleep := remaining
		if next, ok := s.nextDue(q); ok && next.Sub(now) < sleep {
			sleep = next.Sub(now)
		}
		if sleep > maxIdleWait {
			sleep = maxIdleWait
		}
		notify := s.notify
		s.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Store) activeJob(job *model.Job) (*queueData, *model.Job, error) {
	q := s.queue(job.Queue)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return nil, nil, queue.ErrJobNotFound
	}
	// a job recovered and claimed again belongs to the newer attempt
	if _, active := q.active[job.ID]; !active || stored.Attempts != job.Attempts {
		return nil, nil, queue.ErrJobNotActive
	}
	return q, stored, nil
}

func (s *Store) finish(job *model.Job, keep int, state model.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, _, err := s.activeJob(job)
	if err != nil {
		return err
	}
	delete(q.active, job.ID)
	stored := job.Clone()
	stored.State = state
	q.jobs[job.ID] = stored

	list := &q.completed
	if state == model.JobStateFailed {
		list = &q.failed
	}
	s.pushFinished(q, list, job.ID, keep)
	return nil
}

// Complete implements queue.Store
func (s *Store) Complete(_ context.Context, job *model.Job, keep int) error {
	return s.finish(job, keep, model.JobStateCompleted)
}

// Fail implements queue.Store
func (s *Store) Fail(_ context.Context, job *model.Job, keep int) error {
	return s.finish(job, keep, model.JobStateFailed)
}

// Retry implements queue.Store
func (s *Store) Retry(_ context.Context, job *model.Job, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, _, err := s.activeJob(job)
	if err != nil {
		return err
	}
	delete(q.active, job.ID)
	stored := job.Clone()
	stored.State = model.JobStateDelayed
	q.jobs[job.ID] = stored
	q.delayed[job.ID] = runAt
	return nil
}

// Get implements queue.Store
func (s *Store) Get(_ context.Context, name, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue(name).jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List implements queue.Store
func (s *Store) List(_ context.Context, name string, state model.JobState) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	var ids []string
	switch state {
	case model.JobStateWaiting:
		items := append(waitHeap(nil), q.waiting...)
		sort.Sort(items)
		for _, item := range items {
			if seq, ok := q.waitSeq[item.id]; ok && seq == item.seq {
				ids = append(ids, item.id)
			}
		}
	case model.JobStateDelayed:
		for id := range q.delayed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return q.delayed[ids[i]].Before(q.delayed[ids[j]]) })
	case model.JobStateActive:
		for id := range q.active {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	case model.JobStateCompleted:
		ids = append(ids, q.completed...)
	case model.JobStateFailed:
		ids = append(ids, q.failed...)
	default:
		return nil, queue.ErrUnsupportedState
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := q.jobs[id]; ok {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

// Counts implements queue.Store
func (s *Store) Counts(_ context.Context, name string) (model.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	return model.QueueCounts{
		Waiting:   int64(len(q.waitSeq)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Delayed:   int64(len(q.delayed)),
	}, nil
}

// Clean implements queue.Store
func (s *Store) Clean(_ context.Context, name string, state model.JobState, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	var list *[]string
	switch state {
	case model.JobStateCompleted:
		list = &q.completed
	case model.JobStateFailed:
		list = &q.failed
	default:
		return 0, queue.ErrUnsupportedState
	}

	kept := (*list)[:0]
	removed := 0
	for _, id := range *list {
		job, ok := q.jobs[id]
		if ok && job.FinishedAt != nil && job.FinishedAt.Before(olderThan) {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	*list = kept
	return removed, nil
}

// Remove implements queue.Store
func (s *Store) Remove(_ context.Context, name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	if _, ok := q.jobs[id]; !ok {
		return queue.ErrJobNotFound
	}
	_, waiting := q.waitSeq[id]
	_, delayed := q.delayed[id]
	if !waiting && !delayed {
		return queue.ErrJobNotRemovable
	}
	delete(q.waitSeq, id)
	delete(q.delayed, id)
	delete(q.jobs, id)
	return nil
}

// Ping implements queue.Store
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.ErrStoreUnavailable
	}
	return nil
}

// Close implements queue.Store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.broadcast()
	}
	return nil
}
