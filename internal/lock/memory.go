package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker is the in-process Locker used when no Redis is configured.
type MemoryLocker struct {
	maxWait time.Duration
	mu      sync.Mutex
	slots   map[string]*memorySlot
}

// memorySlot is dropped from the map once no holder or waiter refers to it.
type memorySlot struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker(maxWait time.Duration) *MemoryLocker {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &MemoryLocker{maxWait: maxWait, slots: make(map[string]*memorySlot)}
}

func (l *MemoryLocker) ref(key string) *memorySlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &memorySlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *MemoryLocker) unref(key string, slot *memorySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Release, error) {
	slot := l.ref(key)
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(key, slot)
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-slot.ch
			l.unref(key, slot)
		})
		return nil
	}, nil
}

