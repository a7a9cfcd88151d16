package samplers

import "math/rand/v2"

// RNGPool hands out independent PCG streams to sampling workers. Each
// stream is seeded from the same base seed with a distinct stream id, so
// runs with the same seed draw from the same family of streams regardless
// of how work is scheduled across goroutines.
type RNGPool struct {
	ch chan *rand.Rand
}

// NewRNGPool creates a pool of n generator states derived from seed.
func NewRNGPool(n int, seed uint64) *RNGPool {
	p := &RNGPool{ch: make(chan *rand.Rand, n)}
	for i := 0; i < n; i++ {
		p.ch <- rand.New(rand.NewPCG(seed, uint64(i)))
	}
	return p
}

// Get checks a generator out of the pool, blocking if all are in use.
func (p *RNGPool) Get() *rand.Rand { return <-p.ch }

// Put returns a generator to the pool.
func (p *RNGPool) Put(r *rand.Rand) { p.ch <- r }
