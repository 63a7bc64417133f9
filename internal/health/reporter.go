// Package health aggregates queue, store, limiter, render pool and process
// state into one report.
package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/queue"
	"github.com/funnelsmith/api/internal/ratelimit"
	"github.com/funnelsmith/api/internal/renderpool"
)

// Status is the overall verdict of a report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	utilizationThreshold = 80.0
	backlogThreshold     = 50
	pingTimeout          = 2 * time.Second
)

// LimiterStats is implemented by ratelimit.Limiter and ratelimit.RedisLimiter
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// PoolStats is implemented by renderpool.Pool
type PoolStats interface {
	Stats() renderpool.Stats
}

// StoreReport describes queue store connectivity
type StoreReport struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// MemoryReport is a subset of runtime.MemStats in megabytes
type MemoryReport struct {
	AllocMB     float64 `json:"allocMb"`
	HeapInUseMB float64 `json:"heapInUseMb"`
	SysMB       float64 `json:"sysMb"`
	NumGC       uint32  `json:"numGc"`
	Goroutines  int     `json:"goroutines"`
}

// Report is the aggregated health of the process
type Report struct {
	Status          Status                       `json:"status"`
	Timestamp       time.Time                    `json:"timestamp"`
	Store           StoreReport                  `json:"store"`
	Queues          map[string]model.QueueCounts `json:"queues"`
	Limiter         *ratelimit.Stats             `json:"limiter,omitempty"`
	Pool            *renderpool.Stats            `json:"pool,omitempty"`
	Memory          MemoryReport                 `json:"memory"`
	Recommendations []string                     `json:"recommendations"`
}

// Reporter builds health reports. Limiter and pool are optional.
type Reporter struct {
	queues  *queue.Registry
	limiter LimiterStats
	pool    PoolStats
	log     *zap.Logger
	now     func() time.Time
}

// NewReporter creates a reporter
func NewReporter(queues *queue.Registry, limiter LimiterStats, pool PoolStats, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		queues:  queues,
		limiter: limiter,
		pool:    pool,
		log:     log.Named("health"),
		now:     time.Now,
	}
}

// Report collects the current state
func (r *Reporter) Report(ctx context.Context) *Report {
	report := &Report{
		Timestamp:       r.now().UTC(),
		Queues:          make(map[string]model.QueueCounts, len(model.PipelineQueues)),
		Memory:          memory(),
		Recommendations: []string{},
	}

	report.Store = r.pingStore(ctx)
	if report.Store.Connected {
		for _, q := range r.queues.Pipeline() {
			counts, err := q.Counts(ctx)
			if err != nil {
				r.log.Warn("failed to count jobs", zap.String("queue", q.Name()), zap.Error(err))
				continue
			}
			report.Queues[q.Name()] = counts
		}
	}

	if r.limiter != nil {
		stats := r.limiter.Stats()
		report.Limiter = &stats
	}
	if r.pool != nil {
		stats := r.pool.Stats()
		report.Pool = &stats
	}

	report.Recommendations = recommendations(report)
	switch {
	case !report.Store.Connected:
		report.Status = StatusUnhealthy
	case len(report.Recommendations) > 0:
		report.Status = StatusDegraded
	default:
		report.Status = StatusHealthy
	}
	return report
}

func (r *Reporter) pingStore(ctx context.Context) StoreReport {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	started := r.now()
	err := r.queues.Store().Ping(ctx)
	latency := r.now().Sub(started)
	if err != nil {
		return StoreReport{Error: err.Error()}
	}
	return StoreReport{Connected: true, LatencyMs: float64(latency) / float64(time.Millisecond)}
}

func recommendations(report *Report) []string {
	out := []string{}
	if !report.Store.Connected {
		out = append(out, "Queue store is unreachable; check the Redis connection")
	}
	if report.Pool != nil && report.Pool.Utilization >= utilizationThreshold {
		out = append(out, fmt.Sprintf("Render pool utilization is %.0f%%; consider raising render.pool_size", report.Pool.Utilization))
	}
	if report.Limiter != nil && report.Limiter.Utilization() >= utilizationThreshold {
		out = append(out, fmt.Sprintf("Generative API budget utilization is %.0f%%; content jobs will start waiting", report.Limiter.Utilization()))
	}

	names := make([]string, 0, len(report.Queues))
	for name := range report.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if waiting := report.Queues[name].Waiting; waiting >= backlogThreshold {
			out = append(out, fmt.Sprintf("Queue %s has %d waiting jobs; consider adding workers", name, waiting))
		}
	}
	return out
}

func memory() MemoryReport {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const mb = 1024 * 1024
	return MemoryReport{
		AllocMB:     float64(m.Alloc) / mb,
		HeapInUseMB: float64(m.HeapInuse) / mb,
		SysMB:       float64(m.Sys) / mb,
		NumGC:       m.NumGC,
		Goroutines:  runtime.NumGoroutine(),
	}
}
