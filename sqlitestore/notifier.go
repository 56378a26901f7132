package sqlitestore

import (
	"context"
	"sync"
)

// notifier fans the unsynced-count out to subscribers. Channels have a
// one-element buffer and stale values are dropped, so a slow consumer only
// ever sees the most recent count.
type notifier struct {
	mu   sync.Mutex
	subs map[chan int]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan int]struct{})}
}

func (n *notifier) subscribe(ctx context.Context) <-chan int {
	ch := make(chan int, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (n *notifier) publish(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- count:
		default:
			// Replace the stale pending value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- count:
			default:
			}
		}
	}
}
