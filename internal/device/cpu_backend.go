package device

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// NumWorkers is the parallelism CPU kernels split their work across.
var NumWorkers = runtime.NumCPU()

// minChunk keeps small ranges on a single goroutine.
const minChunk = 4096

// ParallelRange splits [0, n) into contiguous chunks and runs fn on each
// concurrently, returning when all chunks are done. Ranges smaller than a
// chunk run inline.
func ParallelRange(n int, fn func(start, end int)) {
	if n <= minChunk || NumWorkers <= 1 {
		fn(0, n)
		return
	}
	workers := min(NumWorkers, (n+minChunk-1)/minChunk)
	per := (n + workers - 1) / workers

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait()
}
