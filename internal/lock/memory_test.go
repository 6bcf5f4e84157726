package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockerSerializesSameKey(t *testing.T) {
	locker := NewMemoryLocker(time.Second)
	ctx := context.Background()

	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "project:prj_1")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			now := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if now <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			_ = release(ctx)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxSeen)
	}
}

func TestMemoryLockerTimesOutWithErrBusy(t *testing.T) {
	locker := NewMemoryLocker(20 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "k"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "other"); err != nil {
		t.Fatalf("expected other key to be free, got %v", err)
	}

	_ = release(ctx)
	_ = release(ctx)
	if _, err := locker.Acquire(ctx, "k"); err != nil {
		t.Fatalf("expected reacquire after release, got %v", err)
	}
}

func TestMemoryLockerForgetsIdleKeys(t *testing.T) {
	locker := NewMemoryLocker(20 * time.Millisecond)
	ctx := context.Background()
	slotCount := func() int {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		return len(locker.slots)
	}

	for _, key := range []string{"project:a", "project:b", "project:c"} {
		release, err := locker.Acquire(ctx, key)
		if err != nil {
			t.Fatalf("Acquire %s failed: %v", key, err)
		}
		_ = release(ctx)
	}
	if n := slotCount(); n != 0 {
		t.Fatalf("expected released keys to be dropped, %d remain", n)
	}

	release, err := locker.Acquire(ctx, "project:a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := locker.Acquire(ctx, "project:a"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n := slotCount(); n != 1 {
		t.Fatalf("expected the held key to stay tracked, got %d", n)
	}
	_ = release(ctx)
	_ = release(ctx)
	if n := slotCount(); n != 0 {
		t.Fatalf("expected no keys after release, %d remain", n)
	}
}
