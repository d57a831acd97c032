package pump

import (
	"sync"

	"github.com/eapache/queue"

	"tickwire/internal/transport"
)

// Queue is a multiple-producer/single-consumer FIFO bounded only by memory.
type Queue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func NewQueue() *Queue {
	return &Queue{q: queue.New()}
}

func (q *Queue) Enqueue(msg *transport.Message) {
	if msg == nil {
		return
	}
	q.mu.Lock()
	q.q.Add(msg)
	q.mu.Unlock()
}

func (q *Queue) Dequeue() (*transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.q.Length() == 0 {
		return nil, false
	}
	return q.q.Remove().(*transport.Message), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Length()
}
