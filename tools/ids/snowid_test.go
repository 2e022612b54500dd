package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUniqueUnderConcurrency(t *testing.T) {
	const perWorker = 500
	const workers = 8

	var mu sync.Mutex
	seen := make(map[int64]struct{}, perWorker*workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, Generate())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, perWorker*workers, "no collisions")
}

func TestGenerateMonotonicPerCaller(t *testing.T) {
	prev := Generate()
	for i := 0; i < 1000; i++ {
		next := Generate()
		assert.Greater(t, next, prev)
		prev = next
	}
}
