// Package renderpool bounds the number of live rendering engines and shares
// them between render jobs. Waiters are served in arrival order and are woken
// directly by the release that frees an engine or a slot.
package renderpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/render"
)

// ErrPoolClosed is returned to callers of a pool that has been shut down
var ErrPoolClosed = errors.New("render pool closed")

// Config sizes the pool
type Config struct {
	MaxSize int
	MaxIdle int
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Idle        int     `json:"idle"`
	Live        int     `json:"live"`
	Max         int     `json:"max"`
	Waiting     int     `json:"waiting"`
	Utilization float64 `json:"utilization"`
}

// grant is delivered to a waiter: an engine to reuse, a reserved slot to
// spawn into (engine == nil), or an error
type grant struct {
	engine render.Engine
	err    error
}

type waiter struct {
	ch chan grant
}

// Pool is a bounded engine pool safe for concurrent use
type Pool struct {
	launch  render.Launcher
	max     int
	maxIdle int
	log     *zap.Logger

	mu      sync.Mutex
	idle    []render.Engine
	live    int
	waiters []*waiter
	closed  bool
}

// New creates an empty pool. Engines are launched on demand.
func New(cfg Config, launch render.Launcher, log *zap.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxSize {
		cfg.MaxIdle = cfg.MaxSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		launch:  launch,
		max:     cfg.MaxSize,
		maxIdle: cfg.MaxIdle,
		log:     log.Named("renderpool"),
	}
}

// Acquire returns an engine for exclusive use. Idle connected engines are
// reused before new ones are launched; when the pool is full the caller waits
// until an engine is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (render.Engine, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var stale []render.Engine
	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if e.Connected() {
			p.mu.Unlock()
			closeAll(stale)
			return e, nil
		}
		p.live--
		stale = append(stale, e)
	}

	if p.live < p.max {
		p.live++
		p.mu.Unlock()
		closeAll(stale)
		return p.spawn(ctx)
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
	closeAll(stale)

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		if g.engine != nil {
			return g.engine, nil
		}
		return p.spawn(ctx)
	case <-ctx.Done():
		p.mu.Lock()
		if p.removeWaiterLocked(w) {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()

		// a grant raced with cancellation; give it back
		g := <-w.ch
		switch {
		case g.engine != nil:
			p.Release(g.engine)
		case g.err == nil:
			p.freeSlot()
		}
		return nil, ctx.Err()
	}
}

// spawn launches an engine into a slot already counted in live
func (p *Pool) spawn(ctx context.Context) (render.Engine, error) {
	e, err := p.launch(ctx)
	if err != nil {
		p.freeSlot()
		return nil, fmt.Errorf("failed to launch render engine: %w", err)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		e.Close()
		return nil, ErrPoolClosed
	}

	p.log.Debug("render engine launched")
	return e, nil
}

// Release returns an engine to the pool. Disconnected engines are closed and
// their slot is freed.
func (p *Pool) Release(e render.Engine) {
	if e == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeEngine(e)
		return
	}

	if !e.Connected() {
		p.live--
		p.grantSlotLocked()
		p.mu.Unlock()
		p.closeEngine(e)
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant{engine: e}
		p.mu.Unlock()
		return
	}

	if len(p.idle) < p.maxIdle {
		p.idle = append(p.idle, e)
		p.mu.Unlock()
		return
	}

	p.live--
	p.mu.Unlock()
	p.closeEngine(e)
}

func (p *Pool) freeSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.live--
	p.grantSlotLocked()
}

// grantSlotLocked hands a free slot to the oldest waiter
func (p *Pool) grantSlotLocked() {
	if len(p.waiters) == 0 || p.live >= p.max {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.live++
	w.ch <- grant{}
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Shutdown closes idle engines and fails pending waiters. Engines released
// afterwards are closed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live = 0
	for _, w := range p.waiters {
		w.ch <- grant{err: ErrPoolClosed}
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, e := range idle {
		p.closeEngine(e)
	}
	p.log.Info("render pool shut down", zap.Int("closed_idle", len(idle)))
}

// Stats returns the current pool occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := p.live - len(p.idle)
	return Stats{
		Idle:        len(p.idle),
		Live:        p.live,
		Max:         p.max,
		Waiting:     len(p.waiters),
		Utilization: float64(inUse) / float64(p.max) * 100,
	}
}

func (p *Pool) closeEngine(e render.Engine) {
	if err := e.Close(); err != nil {
		p.log.Warn("failed to close render engine", zap.Error(err))
	}
}

func closeAll(engines []render.Engine) {
	for _, e := range engines {
		e.Close()
	}
}
