package renderpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/funnelsmith/api/internal/model"
	"github.com/funnelsmith/api/internal/render"
)

type fakeEngine struct {
	id           int
	disconnected atomic.Bool
	closed       atomic.Bool
}

func (e *fakeEngine) Render(context.Context, *model.Document) (*render.Artifact, error) {
	return &render.Artifact{Data: []byte("%PDF"), Pages: 1}, nil
}
func (e *fakeEngine) Connected() bool { return !e.disconnected.Load() && !e.closed.Load() }
func (e *fakeEngine) Close() error    { e.closed.Store(true); return nil }

type countingLauncher struct {
	launched int32
	fail     atomic.Bool
}

func (l *countingLauncher) launch(context.Context) (render.Engine, error) {
	if l.fail.Load() {
		return nil, errors.New("browser crashed")
	}
	n := atomic.AddInt32(&l.launched, 1)
	return &fakeEngine{id: int(n)}, nil
}

func (l *countingLauncher) count() int {
	return int(atomic.LoadInt32(&l.launched))
}

func newTestPool(maxSize int) (*Pool, *countingLauncher) {
	l := &countingLauncher{}
	return New(Config{MaxSize: maxSize}, l.launch, nil), l
}

func TestAcquire_ReusesBeforeLaunching(t *testing.T) {
	p, l := newTestPool(3)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if second != first {
		t.Error("expected the idle engine to be reused")
	}
	if l.count() != 1 {
		t.Errorf("expected 1 launch, got %d", l.count())
	}
}

// With every engine checked out, Acquire blocks until Release hands the
// returned engine straight to the waiter.
func TestAcquire_FourthWaitsForReleasedEngine(t *testing.T) {
	p, l := newTestPool(3)
	ctx := context.Background()

	held := make([]render.Engine, 3)
	for i := range held {
		e, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		held[i] = e
	}

	got := make(chan render.Engine, 1)
	go func() {
		e, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("fourth acquire failed: %v", err)
		}
		got <- e
	}()

	select {
	case <-got:
		t.Fatal("expected the fourth acquire to block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}
	if stats := p.Stats(); stats.Waiting != 1 || stats.Live != 3 {
		t.Errorf("expected 1 waiter and 3 live engines, got %+v", stats)
	}

	p.Release(held[1])

	select {
	case e := <-got:
		if e != held[1] {
			t.Error("expected the fourth job to receive the released engine")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the fourth acquire to proceed after a release")
	}
	if l.count() != 3 {
		t.Errorf("expected no additional launch, got %d launches", l.count())
	}
}

func TestPool_LiveNeverExceedsMax(t *testing.T) {
	p, l := newTestPool(3)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inUse   int32
		maxSeen int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			n := atomic.AddInt32(&inUse, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inUse, -1)
			p.Release(e)
		}()
	}
	wg.Wait()

	if maxSeen > 3 {
		t.Errorf("expected at most 3 engines in use, saw %d", maxSeen)
	}
	if l.count() > 3 {
		t.Errorf("expected at most 3 launches, got %d", l.count())
	}
	if stats := p.Stats(); stats.Live > 3 || stats.Waiting != 0 {
		t.Errorf("unexpected final stats %+v", stats)
	}
}

func TestRelease_DisconnectedFreesSlot(t *testing.T) {
	p, l := newTestPool(1)
	ctx := context.Background()

	e, _ := p.Acquire(ctx)
	e.(*fakeEngine).disconnected.Store(true)

	got := make(chan render.Engine, 1)
	go func() {
		next, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("acquire failed: %v", err)
		}
		got <- next
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(e)

	select {
	case next := <-got:
		if next == e {
			t.Error("expected a fresh engine instead of the disconnected one")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the waiter to launch into the freed slot")
	}
	if !e.(*fakeEngine).closed.Load() {
		t.Error("expected the disconnected engine to be closed")
	}
	if l.count() != 2 {
		t.Errorf("expected 2 launches, got %d", l.count())
	}
}

func TestAcquire_DiscardsDisconnectedIdle(t *testing.T) {
	p, l := newTestPool(2)
	ctx := context.Background()

	e, _ := p.Acquire(ctx)
	p.Release(e)
	e.(*fakeEngine).disconnected.Store(true)

	next, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if next == e {
		t.Error("expected the disconnected idle engine to be skipped")
	}
	if stats := p.Stats(); stats.Live != 1 {
		t.Errorf("expected 1 live engine, got %d", stats.Live)
	}
	if l.count() != 2 {
		t.Errorf("expected 2 launches, got %d", l.count())
	}
}

func TestAcquire_LaunchFailureFreesSlot(t *testing.T) {
	p, l := newTestPool(1)
	l.fail.Store(true)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected launch error")
	}
	if stats := p.Stats(); stats.Live != 0 {
		t.Errorf("expected slot to be freed, got %d live", stats.Live)
	}

	l.fail.Store(false)
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Errorf("expected acquire to succeed after recovery, got %v", err)
	}
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	p, _ := newTestPool(1)
	held, _ := p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if stats := p.Stats(); stats.Waiting != 0 {
		t.Errorf("expected cancelled waiter to be removed, got %d waiting", stats.Waiting)
	}

	p.Release(held)
	if stats := p.Stats(); stats.Idle != 1 {
		t.Errorf("expected released engine to go idle, got %+v", stats)
	}
}

func TestShutdown(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	idle, _ := p.Acquire(ctx)
	busy, _ := p.Acquire(ctx)
	p.Release(idle)

	waitErr := make(chan error, 1)
	full, _ := p.Acquire(ctx)
	go func() {
		_, err := p.Acquire(ctx)
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	p.Shutdown()

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("expected ErrPoolClosed for waiter, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be released on shutdown")
	}

	if stats := p.Stats(); stats.Live != 0 || stats.Idle != 0 {
		t.Errorf("expected empty pool after shutdown, got %+v", stats)
	}

	p.Release(busy)
	p.Release(full)
	if !busy.(*fakeEngine).closed.Load() {
		t.Error("expected engine released after shutdown to be closed")
	}
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestRelease_ClosesBeyondMaxIdle(t *testing.T) {
	l := &countingLauncher{}
	p := New(Config{MaxSize: 3, MaxIdle: 1}, l.launch, nil)
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)
	p.Release(a)
	p.Release(b)

	if !b.(*fakeEngine).closed.Load() {
		t.Error("expected the engine beyond maxIdle to be closed")
	}
	if stats := p.Stats(); stats.Idle != 1 || stats.Live != 1 {
		t.Errorf("expected 1 idle and 1 live engine, got %+v", stats)
	}
}
