package registration

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ResolveThreads maps a configured thread count to the worker count used
// for one call. Zero or negative selects runtime.GOMAXPROCS(0).
func ResolveThreads(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// workerCount caps the worker count at the number of items so that no
// worker is handed an empty range.
func workerCount(n, threads int) int {
	w := ResolveThreads(threads)
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// chunkBounds returns the half-open range handled by worker w of workers
// over n items. Ranges are contiguous and cover [0, n) exactly once.
func chunkBounds(n, workers, w int) (start, end int) {
	size := n / workers
	rem := n % workers
	start = w*size + min(w, rem)
	end = start + size
	if w < rem {
		end++
	}
	return start, end
}

// workerPanic carries a panic raised inside a worker back to the caller.
type workerPanic struct {
	worker int
	value  interface{}
}

func (p *workerPanic) Error() string {
	return fmt.Sprintf("worker %d panicked: %v", p.worker, p.value)
}

// parallelFor runs fn over [0, n) split into contiguous per-worker ranges
// and blocks until every worker has returned. Each call of fn receives its
// worker slot, which callers use to index per-worker accumulators. A panic
// in any worker is re-raised on the calling goroutine with its original
// value once all workers have stopped.
func parallelFor(n, threads int, fn func(worker, start, end int)) {
	if n == 0 {
		return
	}
	workers := workerCount(n, threads)
	if workers == 1 {
		fn(0, 0, n)
		return
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		start, end := chunkBounds(n, workers, w)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &workerPanic{worker: w, value: r}
				}
			}()
			fn(w, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var wp *workerPanic
		if errors.As(err, &wp) {
			panic(wp.value)
		}
		panic(err)
	}
}
