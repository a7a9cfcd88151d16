package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddFloat64Concurrent(t *testing.T) {
	const (
		workers = 8
		adds    = 10_000
	)
	var total float64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < adds; i++ {
				AddFloat64(&total, 0.5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, float64(workers*adds)*0.5, total)
}

func TestLoadFloat64(t *testing.T) {
	v := 3.25
	assert.Equal(t, 3.25, LoadFloat64(&v))
	AddFloat64(&v, 0.75)
	assert.Equal(t, 4.0, LoadFloat64(&v))
}
