package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "cronflow/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSingleFlightCollapse(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "ready", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "user-1", compute, Options{})
		}()
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute called %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "ready" {
			t.Fatalf("caller %d result = %q", i, results[i])
		}
	}
}

func TestFreshServedWithoutRecompute(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	var calls atomic.Int32
	compute := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), "k", compute, Options{})
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if v != 1 {
			t.Fatalf("Get = %d, want cached 1", v)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("compute called %d times, want 1", calls.Load())
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (int, error) {
		n := int(calls.Add(1))
		if n > 1 {
			<-release
		}
		return n, nil
	}

	if v, _ := c.Get(context.Background(), "k", compute, Options{}); v != 1 {
		t.Fatalf("initial Get = %d", v)
	}

	clk.Advance(2 * time.Minute)

	// Every stale request is served the old value immediately; only one
	// background refresh starts.
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", compute, Options{})
			if err != nil {
				t.Errorf("stale Get error: %v", err)
			}
			if v != 1 {
				t.Errorf("stale Get = %d, want old value 1", v)
			}
		}()
	}
	wg.Wait()
	close(release)

	// Wait for the refresh to land.
	deadline := time.After(2 * time.Second)
	for {
		v, err := c.Get(context.Background(), "k", compute, Options{})
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if v == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("refresh never landed, still %d", v)
		case <-time.After(time.Millisecond):
		}
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("compute called %d times, want 2", got)
	}
}

func TestForceRefreshRecomputes(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{TTL: time.Hour, Now: clk.Now}, logx.Nop())

	var calls atomic.Int32
	compute := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	if v, _ := c.Get(context.Background(), "k", compute, Options{}); v != 1 {
		t.Fatalf("initial Get = %d", v)
	}
	v, err := c.Get(context.Background(), "k", compute, Options{ForceRefresh: true})
	if err != nil {
		t.Fatalf("forced Get error: %v", err)
	}
	if v != 2 {
		t.Fatalf("forced Get = %d, want 2", v)
	}
	if calls.Load() != 2 {
		t.Fatalf("compute called %d times, want 2", calls.Load())
	}
}

func TestFailureCachedBrieflyThenHeals(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, FailTTL: 30 * time.Second, Now: clk.Now}, logx.Nop())

	boom := errors.New("boom")
	var calls atomic.Int32
	compute := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}

	if _, err := c.Get(context.Background(), "k", compute, Options{}); !errors.Is(err, boom) {
		t.Fatalf("first Get err = %v, want boom", err)
	}

	// Warm failure: fail fast, no recompute.
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "k", compute, Options{}); !errors.Is(err, boom) {
			t.Fatalf("cached failure err = %v, want boom", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("compute called %d times during warm failure, want 1", calls.Load())
	}

	// Past FailTTL the key self-heals.
	clk.Advance(time.Minute)
	v, err := c.Get(context.Background(), "k", compute, Options{})
	if err != nil {
		t.Fatalf("healed Get error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("healed Get = %q", v)
	}
	if calls.Load() != 2 {
		t.Fatalf("compute called %d times, want 2", calls.Load())
	}
}

func TestLateJoinersGetPropagatedError(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "", boom
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "k", compute, Options{})
		done <- err
	}()
	<-started

	// A waiter joins while the computation is in flight, then it fails.
	joined := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "k", compute, Options{})
		joined <- err
	}()
	close(release)

	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("initiator err = %v, want boom", err)
	}
	select {
	case err := <-joined:
		if !errors.Is(err, boom) {
			t.Fatalf("joiner err = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("joiner hung instead of receiving the propagated error")
	}
}

func TestInvalidateStartsClean(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[int](Config{TTL: time.Hour, Now: clk.Now}, logx.Nop())

	var calls atomic.Int32
	compute := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}

	if v, _ := c.Get(context.Background(), "k", compute, Options{}); v != 1 {
		t.Fatal("initial Get")
	}
	c.Invalidate("k")
	if v, _ := c.Get(context.Background(), "k", compute, Options{}); v != 2 {
		t.Fatal("Get after Invalidate should recompute")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Fatalf("Len after InvalidateAll = %d", c.Len())
	}
	if v, _ := c.Get(context.Background(), "k", compute, Options{}); v != 3 {
		t.Fatal("Get after InvalidateAll should recompute")
	}
}

func TestJoinerHonorsContext(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	compute := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "slow", nil
	}

	go func() {
		_, _ = c.Get(context.Background(), "k", compute, Options{})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, "k", compute, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("joiner err = %v, want context.Canceled", err)
	}
}

func TestComputePanicBecomesError(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](Config{TTL: time.Minute, Now: clk.Now}, logx.Nop())

	compute := func(ctx context.Context) (string, error) {
		panic("kaboom")
	}
	if _, err := c.Get(context.Background(), "k", compute, Options{}); err == nil {
		t.Fatal("expected error from panicking compute")
	}
}
