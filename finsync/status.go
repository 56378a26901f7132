package finsync

import (
	"context"
	"sync"
	"time"
)

// SyncStatus is the engine-wide observable snapshot exposed to callers. It
// is created when the coordinator starts and mutated on every transition
// for the life of the process.
type SyncStatus struct {
	Online       bool
	Syncing      bool
	PendingCount int
	LastError    string
	LastSyncTime time.Time
}

// InitializationStatus tracks one bootstrap attempt. Terminal once
// IsCompleted is set or a fatal error is recorded.
type InitializationStatus struct {
	IsInitializing bool
	CurrentStep    string
	CompletedSteps []string
	PendingSteps   []string
	Progress       float64 // in [0, 1]
	Error          string
	IsCompleted    bool
}

// feed is a broadcast cell: the latest value plus fan-out to subscribers.
// Slow subscribers drop intermediate values rather than block the engine.
type feed[T any] struct {
	mu   sync.Mutex
	cur  T
	subs map[chan T]struct{}
}

func newFeed[T any](initial T) *feed[T] {
	return &feed[T]{cur: initial, subs: make(map[chan T]struct{})}
}

func (f *feed[T]) current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = v
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
			// Drop stale value so the latest one gets through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// update applies fn to the current value under the lock and broadcasts it.
func (f *feed[T]) update(fn func(*T)) {
	f.mu.Lock()
	fn(&f.cur)
	v := f.cur
	subs := f.subs
	for ch := range subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	f.mu.Unlock()
}

// subscribe returns a channel that receives the current value immediately
// and every published value after it, until ctx is cancelled.
func (f *feed[T]) subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	ch <- f.cur
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}()
	return ch
}
