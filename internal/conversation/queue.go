// ABOUTME: Per-key FIFO serialization for conversation turns
// ABOUTME: Each holder waits on its predecessor, and cancelled waiters keep the chain intact

package conversation

import (
	"context"
	"sync"
)

// keyedQueue orders holders of the same key by arrival. Different keys never
// block each other.
type keyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tails: make(map[string]chan struct{})}
}

// acquire blocks until every earlier holder of key has released. The returned
// func must be called exactly once. If ctx ends first, acquire returns its
// error and the position is released as soon as the predecessor finishes.
func (q *keyedQueue) acquire(ctx context.Context, key string) (func(), error) {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
		close(done)
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// pending reports how many keys have a holder.
func (q *keyedQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
