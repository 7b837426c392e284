package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGovernorConcurrencyCeiling(t *testing.T) {
	g := New(Config{MaxConcurrency: 2})

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), "model-a")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxSeen)
				if cur <= max || atomic.CompareAndSwapInt32(&maxSeen, max, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			release()
		}()
	}
	wg.Wait()
	if maxSeen > 2 {
		t.Fatalf("concurrency ceiling violated: saw %d in flight", maxSeen)
	}
}

func TestGovernorFIFOOrdering(t *testing.T) {
	g := New(Config{MaxConcurrency: 1})
	order := make([]int, 0, 5)
	var mu sync.Mutex

	release0, err := g.Acquire(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background(), "model-a")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}()
		time.Sleep(2 * time.Millisecond) // ensure enqueue order is deterministic
	}
	time.Sleep(10 * time.Millisecond)
	release0()
	wg.Wait()

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("expected FIFO order 1..5, got %v", order)
		}
	}
}

func TestGovernorFallbackSwitch(t *testing.T) {
	g := New(Config{FallbackModel: "fallback-model", ConsecutiveFailureThreshold: 2})
	if _, switched := g.RecordFailure("model-a"); switched {
		t.Fatal("should not switch after first failure")
	}
	model, switched := g.RecordFailure("model-a")
	if !switched || model != "fallback-model" {
		t.Fatalf("expected switch to fallback-model, got %q switched=%v", model, switched)
	}
	g.RecordSuccess("model-a")
	if _, switched := g.RecordFailure("model-a"); switched {
		t.Fatal("failure streak should have reset after success")
	}
}

func TestGovernorCancellation(t *testing.T) {
	g := New(Config{MaxConcurrency: 1})
	release, err := g.Acquire(context.Background(), "model-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, "model-a"); err == nil {
		t.Fatal("expected cancellation error while slot held")
	}
}
