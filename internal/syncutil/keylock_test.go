package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock(0)
	ctx := context.Background()

	var (
		counter int
		wg      sync.WaitGroup
	)
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "card-checkout/ext_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestKeyLock_ContextDeadline(t *testing.T) {
	k := NewKeyLock(4)
	unlock, err := k.Lock(context.Background(), "held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestKeyLock_ReleaseAllowsReacquire(t *testing.T) {
	k := NewKeyLock(1)
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	unlock()

	// With a single shard every key contends for the same lock.
	unlock, err = k.Lock(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
}
