package queue

import "sync"

// BlockingQueue is a synchronized queue whose Pop waits for a value. After
// Close, Push is a no-op and Pop drains the remaining values, then reports
// false.
type BlockingQueue[V any] struct {
	queue  Queue[V]
	lock   sync.Mutex
	ready  *sync.Cond
	closed bool
}

func Blocking[V any](q Queue[V]) *BlockingQueue[V] {
	result := &BlockingQueue[V]{queue: q}
	result.ready = sync.NewCond(&result.lock)
	return result
}

func (q *BlockingQueue[V]) Peek() (V, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.queue.Peek()
}

func (q *BlockingQueue[V]) Pop() (result V, ok bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for q.queue.Count() == 0 {
		if q.closed {
			return
		}
		q.ready.Wait()
	}
	return q.queue.Pop()
}

// TryPop returns immediately if the queue is empty.
func (q *BlockingQueue[V]) TryPop() (V, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.queue.Pop()
}

func (q *BlockingQueue[V]) Push(value V) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return
	}
	q.queue.Push(value)
	q.ready.Signal()
}

func (q *BlockingQueue[V]) Count() uint {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.queue.Count()
}

func (q *BlockingQueue[V]) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.closed = true
	q.ready.Broadcast()
}
