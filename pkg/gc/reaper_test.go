package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/xblob/pkg/handler/handlertest"
	"github.com/jacktea/xblob/pkg/registry"
	"github.com/jacktea/xblob/pkg/session"
	"github.com/jacktea/xblob/pkg/wire"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReaperExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := handlertest.NewMemory("/m/", "/m/a", "/m/b")
	mgr := session.NewManager(session.Options{Registry: registry.New(mem), Now: clk.Now, Capacity: 2})
	reaper := NewReaper(ReaperOptions{Sessions: mgr})

	idle, err := mgr.Open(ctx, wire.OpenRead, "/m/a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(6 * time.Minute)
	busy, err := mgr.Open(ctx, wire.OpenRead, "/m/b")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(5 * time.Minute)

	n, err := reaper.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}
	if _, err := mgr.SessionStat(ctx, idle); err == nil {
		t.Fatalf("idle session %d survived reaping", idle)
	}
	if _, err := mgr.SessionStat(ctx, busy); err != nil {
		t.Fatalf("active session reaped: %v", err)
	}

	// with two ids in the pool, the next open must reuse the expired one
	reused, err := mgr.Open(ctx, wire.OpenRead, "/m/a")
	if err != nil {
		t.Fatalf("open after reap: %v", err)
	}
	if reused != idle {
		t.Fatalf("open after reap got id %d, want reused %d", reused, idle)
	}
}

func TestReaperRetriesRefusedExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := handlertest.NewMemory("/m/", "/m/a")
	mem.RefuseExpire = true
	mgr := session.NewManager(session.Options{Registry: registry.New(mem), Now: clk.Now})
	reaper := NewReaper(ReaperOptions{Sessions: mgr})

	id, err := mgr.Open(ctx, wire.OpenRead, "/m/a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(session.DefaultIdleTimeout)
	if n, err := reaper.Reap(ctx); err != nil || n != 0 {
		t.Fatalf("first reap n=%d err=%v", n, err)
	}
	if mgr.Count() != 1 {
		t.Fatalf("refused session removed")
	}

	// the next tick offers the session again
	mem.RefuseExpire = false
	if n, err := reaper.Reap(ctx); err != nil || n != 1 {
		t.Fatalf("second reap n=%d err=%v", n, err)
	}
	if _, err := mgr.SessionStat(ctx, id); err == nil {
		t.Fatalf("session %d still live", id)
	}
}

func TestReaperStartStopsOnCancel(t *testing.T) {
	mgr := session.NewManager(session.Options{})
	reaper := NewReaper(ReaperOptions{Sessions: mgr})
	cancel := reaper.Start(context.Background(), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()
}
