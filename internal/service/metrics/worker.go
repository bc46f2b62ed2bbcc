package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var errQueueClosed = errors.New("ingest queue closed")

type task struct {
	key string
	run func()
}

// shardedQueue runs tasks on a fixed set of workers. Tasks sharing a key
// always land on the same worker, so they execute in enqueue order.
type shardedQueue struct {
	shards []chan task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

func newShardedQueue(workers, size int) *shardedQueue {
	if workers <= 0 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	perShard := size / workers
	if perShard == 0 && size > 0 {
		perShard = 1
	}
	q := &shardedQueue{shards: make([]chan task, workers)}
	for i := range q.shards {
		q.shards[i] = make(chan task, perShard)
	}
	return q
}

func (q *shardedQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for _, shard := range q.shards {
		q.wg.Add(1)
		go func(tasks <-chan task) {
			defer q.wg.Done()
			for t := range tasks {
				t.run()
			}
		}(shard)
	}
}

func (q *shardedQueue) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(q.shards)))
}

// enqueue blocks while the target shard is full. It gives up when ctx ends.
func (q *shardedQueue) enqueue(ctx context.Context, key string, run func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.shards[q.shardFor(key)] <- task{key: key, run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *shardedQueue) depth() int {
	n := 0
	for _, shard := range q.shards {
		n += len(shard)
	}
	return n
}

// close stops accepting tasks and waits for the queued ones to finish.
// Tasks queued before start are run on the closing goroutine.
func (q *shardedQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	for _, shard := range q.shards {
		close(shard)
	}
	q.mu.Unlock()

	if started {
		q.wg.Wait()
		return
	}
	for _, shard := range q.shards {
		for t := range shard {
			t.run()
		}
	}
}
