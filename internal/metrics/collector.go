// Package metrics keeps in-process job counters and stage timing averages and
// mirrors them into Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// emaAlpha weights the newest sample in the moving averages
const emaAlpha = 0.1

// Timings are the durations measured for one job. Zero fields are ignored.
type Timings struct {
	Content time.Duration
	Render  time.Duration
	Upload  time.Duration
	Total   time.Duration
}

// Averages holds exponential moving averages in milliseconds
type Averages struct {
	ContentMs float64 `json:"contentMs"`
	RenderMs  float64 `json:"renderMs"`
	UploadMs  float64 `json:"uploadMs"`
	TotalMs   float64 `json:"totalMs"`
}

// Snapshot is a copy of the collector state
type Snapshot struct {
	ActiveJobs    int64      `json:"activeJobs"`
	CompletedJobs int64      `json:"completedJobs"`
	Errors        int64      `json:"errors"`
	Averages      Averages   `json:"averages"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	UptimeSeconds float64    `json:"uptimeSeconds"`
}

type inflight struct {
	queue   string
	started time.Time
}

type ema struct {
	value   float64
	samples int64
}

func (e *ema) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if e.samples == 0 {
		e.value = ms
	} else {
		e.value = emaAlpha*ms + (1-emaAlpha)*e.value
	}
	e.samples++
}

// Collector is safe for concurrent use
type Collector struct {
	mu        sync.Mutex
	jobs      map[string]inflight
	completed int64
	errors    int64
	content   ema
	render    ema
	upload    ema
	total     ema
	lastErr   string
	lastErrAt *time.Time
	startedAt time.Time
	now       func() time.Time

	registry  *prometheus.Registry
	active    *prometheus.GaugeVec
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New creates a collector with its own Prometheus registry
func New() *Collector {
	c := &Collector{
		jobs:      make(map[string]inflight),
		startedAt: time.Now().UTC(),
		now:       time.Now,
		registry:  prometheus.NewRegistry(),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "funnel_jobs_active",
			Help: "Current number of jobs being processed",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funnel_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		}, []string{"queue", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funnel_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
	}
	c.registry.MustRegister(
		c.active,
		c.processed,
		c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the Prometheus registry for scraping
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// StartJob records a job start and returns the token that ends it
func (c *Collector) StartJob(queue string) string {
	token := uuid.New().String()

	c.mu.Lock()
	c.jobs[token] = inflight{queue: queue, started: c.now()}
	c.mu.Unlock()

	c.active.WithLabelValues(label(queue)).Inc()
	return token
}

// EndJob records a successful job and folds its timings into the averages
func (c *Collector) EndJob(token string, t Timings) {
	c.mu.Lock()
	job, ok := c.jobs[token]
	delete(c.jobs, token)
	c.completed++
	observed := map[string]time.Duration{}
	for stage, pair := range map[string]struct {
		d time.Duration
		e *ema
	}{
		"content": {t.Content, &c.content},
		"render":  {t.Render, &c.render},
		"upload":  {t.Upload, &c.upload},
		"total":   {t.Total, &c.total},
	} {
		if pair.d > 0 {
			pair.e.observe(pair.d)
			observed[stage] = pair.d
		}
	}
	c.mu.Unlock()

	if ok {
		c.active.WithLabelValues(label(job.queue)).Dec()
	}
	c.processed.WithLabelValues(label(job.queue), "completed").Inc()
	for stage, d := range observed {
		c.duration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RecordError records a failed job attempt
func (c *Collector) RecordError(token string, err error) {
	now := c.now().UTC()

	c.mu.Lock()
	job, ok := c.jobs[token]
	delete(c.jobs, token)
	c.errors++
	if err != nil {
		c.lastErr = err.Error()
		c.lastErrAt = &now
	}
	c.mu.Unlock()

	if ok {
		c.active.WithLabelValues(label(job.queue)).Dec()
	}
	c.processed.WithLabelValues(label(job.queue), "failed").Inc()
}

// Snapshot returns a copy of the current state
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErrAt *time.Time
	if c.lastErrAt != nil {
		t := *c.lastErrAt
		lastErrAt = &t
	}
	return Snapshot{
		ActiveJobs:    int64(len(c.jobs)),
		CompletedJobs: c.completed,
		Errors:        c.errors,
		Averages: Averages{
			ContentMs: c.content.value,
			RenderMs:  c.render.value,
			UploadMs:  c.upload.value,
			TotalMs:   c.total.value,
		},
		LastError:     c.lastErr,
		LastErrorAt:   lastErrAt,
		StartedAt:     c.startedAt,
		UptimeSeconds: c.now().Sub(c.startedAt).Seconds(),
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
