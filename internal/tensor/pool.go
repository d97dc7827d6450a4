package tensor

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Pool recycles tensor storage between rebinds. It is safe for concurrent use.
type Pool struct {
	pool sync.Pool
}

func NewPool() *Pool {
	return &Pool{}
}

// Tensor returns an unbound tensor whose storage will come from this pool.
func (p *Pool) Tensor(name string) *Tensor {
	t := Empty(name)
	t.pool = p
	return t
}

// Get returns a zeroed tensor of the given dtype and shape backed by pooled storage.
func (p *Pool) Get(name string, dt DType, shape ...int) (*Tensor, error) {
	t := p.Tensor(name)
	if err := t.Rebind(dt, shape); err != nil {
		return nil, err
	}
	return t, nil
}

// Put releases a tensor's storage back to the pool.
func (p *Pool) Put(t *Tensor) {
	if t == nil || t.pool != p {
		return // Don't pool foreign tensors
	}
	t.Release()
}

func (p *Pool) get(words int) []uint64 {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]uint64))
		if cap(buf) >= words {
			poolHits.Inc()
			poolBytes.Sub(float64(cap(buf) * 8))
			buf = buf[:words]
			clear(buf)
			return buf
		}
		// Too small for this request; drop it.
		poolBytes.Sub(float64(cap(buf) * 8))
	}
	poolMisses.Inc()
	log.Debug().Str("size", humanize.IBytes(uint64(words*8))).Msg("Allocating tensor storage")
	return make([]uint64, words)
}

func (p *Pool) put(buf []uint64) {
	if cap(buf) == 0 {
		return
	}
	poolBytes.Add(float64(cap(buf) * 8))
	p.pool.Put(&buf)
}
