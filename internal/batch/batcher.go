package batch

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timer is the part of *time.Timer the batcher needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ApplyFunc receives every item queued for key, in arrival order. It runs
// with the batcher lock held and must not call back into the batcher.
type ApplyFunc[T any] func(key string, items []T, batchID string)

type queue[T any] struct {
	items []T
	timer Timer
	gen   uint64
}

// Batcher coalesces items per key into one flush after a fixed delay. Keys
// are independent; within a key arrival order is preserved.
type Batcher[T any] struct {
	mu        sync.Mutex
	delay     time.Duration
	apply     ApplyFunc[T]
	afterFunc AfterFunc
	queues    map[string]*queue[T]
	gen       uint64
	flushes   uint64
}

func New[T any](delay time.Duration, apply ApplyFunc[T]) *Batcher[T] {
	return &Batcher[T]{
		delay:     delay,
		apply:     apply,
		afterFunc: realAfterFunc,
		queues:    make(map[string]*queue[T]),
	}
}

// WithAfterFunc replaces the timer scheduler. Used by tests.
func (b *Batcher[T]) WithAfterFunc(fn AfterFunc) *Batcher[T] {
	b.mu.Lock()
	b.afterFunc = fn
	b.mu.Unlock()
	return b
}

// Add queues item for key and schedules a flush if none is pending.
func (b *Batcher[T]) Add(key string, item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[key]
	if !ok {
		q = &queue[T]{}
		b.queues[key] = q
	}
	q.items = append(q.items, item)
	if q.timer != nil {
		return
	}
	b.gen++
	q.gen = b.gen
	gen := q.gen
	q.timer = b.afterFunc(b.delay, func() { b.fire(key, gen) })
}

func (b *Batcher[T]) fire(key string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok || q.gen != gen {
		// flushed or cancelled after the timer had already fired
		return
	}
	b.flushLocked(key, q)
}

// Flush cancels the pending timer for key and applies its queue now. It
// returns the number of items applied.
func (b *Batcher[T]) Flush(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		return 0
	}
	return b.flushLocked(key, q)
}

// FlushAll flushes every key in sorted key order.
func (b *Batcher[T]) FlushAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.queues))
	for k := range b.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	n := 0
	for _, k := range keys {
		n += b.flushLocked(k, b.queues[k])
	}
	return n
}

func (b *Batcher[T]) flushLocked(key string, q *queue[T]) int {
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(b.queues, key)
	if len(q.items) == 0 {
		return 0
	}
	b.flushes++
	b.apply(key, q.items, uuid.New().String())
	return len(q.items)
}

// Discard drops the queue for key without applying it.
func (b *Batcher[T]) Discard(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		return 0
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(b.queues, key)
	return len(q.items)
}

// Pending reports how many items wait for key.
func (b *Batcher[T]) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[key]; ok {
		return len(q.items)
	}
	return 0
}

// Flushes reports how many non-empty flushes ran.
func (b *Batcher[T]) Flushes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

// Stop cancels every pending timer and drops all queues.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, q := range b.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
		delete(b.queues, k)
	}
}
