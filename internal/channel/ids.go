package channel

import (
	"container/heap"
	"sync"
)

// IDPool hands out connection ids, lowest free id first, starting at 1.
// A released id is reused before any id that was never handed out.
type IDPool struct {
	mu   sync.Mutex
	next int
	free intHeap
	used map[int]struct{}
}

func NewIDPool() *IDPool {
	return &IDPool{next: 1, used: map[int]struct{}{}}
}

func (p *IDPool) Acquire() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var id int
	if p.free.Len() > 0 {
		id = heap.Pop(&p.free).(int)
	} else {
		id = p.next
		p.next++
	}
	p.used[id] = struct{}{}
	return id
}

// Release frees id. Releasing an id that is not in use reports false.
func (p *IDPool) Release(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.used[id]; !ok {
		return false
	}
	delete(p.used, id)
	heap.Push(&p.free, id)
	return true
}

func (p *IDPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
