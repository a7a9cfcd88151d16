package dist

import "sync"

// Comm is a communicator over a fixed set of member goroutines. Every
// operation is collective: all members must call it, and calls pair up
// across members in program order, like MPI collectives over a
// communicator.
//
// Internally it is a generation-counted monitor. A round completes when all
// members have contributed; members then read the combined result before
// anyone may start the next round, so one accumulator buffer can be reused
// safely.
type Comm struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	arrived   int
	departing int
	gen       uint64

	acc  []float64
	iacc int
	gat  [][]float64
}

func newComm(size int) *Comm {
	c := &Comm{size: size, gat: make([][]float64, size)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Size returns the number of members.
func (c *Comm) Size() int { return c.size }

// round runs one collective: contribute runs under the monitor lock as the
// caller arrives (first is true for the round's first arrival), read runs
// under the lock after every member has contributed. No member can start
// the following round until all members of this one have read.
func (c *Comm) round(contribute func(first bool), read func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.departing > 0 {
		c.cond.Wait()
	}
	gen := c.gen
	contribute(c.arrived == 0)
	c.arrived++
	if c.arrived == c.size {
		c.arrived = 0
		c.departing = c.size
		c.gen++
		c.cond.Broadcast()
	} else {
		for gen == c.gen {
			c.cond.Wait()
		}
	}
	if read != nil {
		read()
	}
	c.departing--
	if c.departing == 0 {
		c.cond.Broadcast()
	}
}

// Barrier blocks until every member has reached it.
func (c *Comm) Barrier() {
	c.round(func(bool) {}, nil)
}

// AllReduce sums buf element-wise across all members, leaving the total in
// every member's buf.
func (c *Comm) AllReduce(buf []float64) {
	c.round(func(first bool) {
		if first {
			c.acc = append(c.acc[:0], buf...)
			return
		}
		for i, v := range buf {
			c.acc[i] += v
		}
	}, func() {
		copy(buf, c.acc)
	})
}

// AllReduceScalar sums a scalar across all members.
func (c *Comm) AllReduceScalar(v float64) float64 {
	c.round(func(first bool) {
		if first {
			c.acc = append(c.acc[:0], v)
			return
		}
		c.acc[0] += v
	}, func() {
		v = c.acc[0]
	})
	return v
}

// AllReduceInt sums an integer across all members.
func (c *Comm) AllReduceInt(v int) int {
	c.round(func(first bool) {
		if first {
			c.iacc = v
			return
		}
		c.iacc += v
	}, func() {
		v = c.iacc
	})
	return v
}

// AllReduceMax takes the element-wise maximum of buf across all members.
func (c *Comm) AllReduceMax(buf []float64) {
	c.round(func(first bool) {
		if first {
			c.acc = append(c.acc[:0], buf...)
			return
		}
		for i, v := range buf {
			if v > c.acc[i] {
				c.acc[i] = v
			}
		}
	}, func() {
		copy(buf, c.acc)
	})
}

// AllReduceMin takes the element-wise minimum of buf across all members.
func (c *Comm) AllReduceMin(buf []float64) {
	c.round(func(first bool) {
		if first {
			c.acc = append(c.acc[:0], buf...)
			return
		}
		for i, v := range buf {
			if v < c.acc[i] {
				c.acc[i] = v
			}
		}
	}, func() {
		copy(buf, c.acc)
	})
}

// Gather collects every member's buf at root, ordered by member rank.
// Non-root members receive nil. Buffers may differ in length.
func (c *Comm) Gather(root, rank int, buf []float64) [][]float64 {
	var out [][]float64
	c.round(func(bool) {
		c.gat[rank] = append([]float64(nil), buf...)
	}, func() {
		if rank == root {
			out = make([][]float64, c.size)
			copy(out, c.gat)
		}
	})
	return out
}

// Broadcast distributes root's buf to every member, in place.
func (c *Comm) Broadcast(root, rank int, buf []float64) {
	c.round(func(bool) {
		if rank == root {
			c.acc = append(c.acc[:0], buf...)
		}
	}, func() {
		copy(buf, c.acc)
	})
}

// ExScan returns the exclusive prefix sum of v over member ranks: member 0
// gets 0, member i gets the sum of members 0..i-1.
func (c *Comm) ExScan(rank, v int) int {
	var out int
	c.round(func(first bool) {
		if first {
			for i := range c.gat {
				c.gat[i] = c.gat[i][:0]
			}
		}
		c.gat[rank] = append(c.gat[rank], float64(v))
	}, func() {
		for i := 0; i < rank; i++ {
			out += int(c.gat[i][0])
		}
	})
	return out
}
