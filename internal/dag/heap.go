package dag

import "container/heap"

// posHeap is a max-heap of index positions. Popping yields descendants before
// their ancestors, which is what every ancestry walk in this package needs.
type posHeap []Pos

func (h posHeap) Len() int           { return len(h) }
func (h posHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h posHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *posHeap) Push(x interface{}) {
	*h = append(*h, x.(Pos))
}

func (h *posHeap) Pop() interface{} {
	old := *h
	ret := old[len(old)-1]
	*h = old[:len(old)-1]
	return ret
}

// PosQueue pops positions highest first. The zero value is ready to use.
type PosQueue struct {
	h posHeap
}

// Push adds p to the queue.
func (q *PosQueue) Push(p Pos) {
	heap.Push(&q.h, p)
}

// Pop removes and returns the highest position.
func (q *PosQueue) Pop() Pos {
	return heap.Pop(&q.h).(Pos)
}

// Peek returns the highest position without removing it.
func (q *PosQueue) Peek() Pos {
	return q.h[0]
}

// Len returns the number of queued positions.
func (q *PosQueue) Len() int {
	return q.h.Len()
}

// PopAll pops p and every duplicate of p still queued.
func (q *PosQueue) PopAll() Pos {
	p := q.Pop()
	for q.Len() > 0 && q.Peek() == p {
		q.Pop()
	}
	return p
}
