package queue

const MIN_CAPACITY = 8

// NewQueue returns an unsynchronized FIFO queue backed by a ring buffer.
func NewQueue[V any]() Queue[V] {
	return &ring[V]{}
}

type ring[V any] struct {
	values      []V
	first, size int
}

func (q *ring[V]) Peek() (result V, ok bool) {
	if q.size == 0 {
		return
	}
	return q.values[q.first], true
}

func (q *ring[V]) Pop() (result V, ok bool) {
	if q.size == 0 {
		return
	}

	var zero V
	result, ok = q.values[q.first], true
	// drop the reference so popped runs can be collected
	q.values[q.first] = zero
	q.first = (q.first + 1) % len(q.values)
	q.size--
	return
}

func (q *ring[V]) Push(value V) {
	if q.size == len(q.values) {
		q.grow()
	}
	q.values[(q.first+q.size)%len(q.values)] = value
	q.size++
}

func (q *ring[V]) Count() uint {
	return uint(q.size)
}

func (q *ring[V]) grow() {
	capacity := 2 * len(q.values)
	if capacity < MIN_CAPACITY {
		capacity = MIN_CAPACITY
	}

	values := make([]V, capacity)
	for i := 0; i < q.size; i++ {
		values[i] = q.values[(q.first+i)%len(q.values)]
	}
	q.values, q.first = values, 0
}
