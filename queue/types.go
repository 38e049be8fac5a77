package queue

type Queue[V any] interface {
	Peek() (V, bool)
	Pop() (V, bool)
	Push(V)
	Count() uint
}
