package bufpool

import (
	"slices"
	"sync/atomic"
)

type Stats struct {
	Outstanding int64
	Allocated   int64
	Reused      int64
	Discarded   int64
	Pooled      int
}

type class struct {
	size int
	free chan []byte
}

// Pool is safe for concurrent use; producers rent on socket goroutines and the
// pump releases on the consumer goroutine.
type Pool struct {
	classes []class

	outstanding atomic.Int64
	allocated   atomic.Int64
	reused      atomic.Int64
	discarded   atomic.Int64
}

// New builds a pool with one class per size. Each class keeps at most
// maxPooled idle buffers.
func New(maxPooled int, sizes ...int) *Pool {
	if maxPooled < 0 {
		maxPooled = 0
	}
	sizes = slices.Clone(sizes)
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	p := &Pool{}
	for _, s := range sizes {
		if s <= 0 {
			continue
		}
		p.classes = append(p.classes, class{size: s, free: make(chan []byte, maxPooled)})
	}
	return p
}

func (p *Pool) classFor(n int) *class {
	for i := range p.classes {
		if p.classes[i].size >= n {
			return &p.classes[i]
		}
	}
	return nil
}

// Rent returns a buffer with len n. Its capacity is the class size.
func (p *Pool) Rent(n int) []byte {
	if n < 0 {
		n = 0
	}
	p.outstanding.Add(1)
	c := p.classFor(n)
	if c == nil {
		p.allocated.Add(1)
		return make([]byte, n)
	}
	select {
	case buf := <-c.free:
		p.reused.Add(1)
		return buf[:n]
	default:
		p.allocated.Add(1)
		return make([]byte, n, c.size)
	}
}

// Release hands buf back. The caller must not touch buf afterwards.
func (p *Pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.outstanding.Add(-1)
	for i := range p.classes {
		c := &p.classes[i]
		if cap(buf) != c.size {
			continue
		}
		select {
		case c.free <- buf[:c.size]:
		default:
			p.discarded.Add(1)
		}
		return
	}
	p.discarded.Add(1)
}

func (p *Pool) Stats() Stats {
	st := Stats{
		Outstanding: p.outstanding.Load(),
		Allocated:   p.allocated.Load(),
		Reused:      p.reused.Load(),
		Discarded:   p.discarded.Load(),
	}
	for i := range p.classes {
		st.Pooled += len(p.classes[i].free)
	}
	return st
}

// Outstanding is the number of rented buffers not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
