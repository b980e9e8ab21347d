package registration

import (
	"sync/atomic"
	"testing"
)

func TestChunkBounds_CoverRangeOnce(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 7, 64, 101} {
		for workers := 1; workers <= 9 && workers <= n; workers++ {
			next := 0
			for w := 0; w < workers; w++ {
				start, end := chunkBounds(n, workers, w)
				if start != next {
					t.Fatalf("n=%d workers=%d w=%d: start=%d, want %d", n, workers, w, start, next)
				}
				if end <= start {
					t.Fatalf("n=%d workers=%d w=%d: empty range [%d,%d)", n, workers, w, start, end)
				}
				next = end
			}
			if next != n {
				t.Fatalf("n=%d workers=%d: ranges end at %d", n, workers, next)
			}
		}
	}
}

func TestWorkerCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, threads, want int
	}{
		{10, 4, 4},
		{3, 8, 3},
		{0, 4, 1},
		{5, 1, 1},
	}
	for _, tt := range tests {
		if got := workerCount(tt.n, tt.threads); got != tt.want {
			t.Errorf("workerCount(%d, %d) = %d, want %d", tt.n, tt.threads, got, tt.want)
		}
	}
	if got := workerCount(1000, 0); got != ResolveThreads(0) && got != 1000 {
		t.Errorf("workerCount(1000, 0) = %d, want GOMAXPROCS", got)
	}
}

func TestParallelFor_VisitsEachIndexOnce(t *testing.T) {
	t.Parallel()

	const n = 257
	for _, threads := range []int{0, 1, 2, 3, 8, 300} {
		var visits [n]int32
		parallelFor(n, threads, func(_, lo, hi int) {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&visits[i], 1)
			}
		})
		for i, v := range visits {
			if v != 1 {
				t.Fatalf("threads=%d: index %d visited %d times", threads, i, v)
			}
		}
	}
}

func TestParallelFor_Empty(t *testing.T) {
	t.Parallel()

	parallelFor(0, 4, func(_, _, _ int) {
		t.Fatal("fn called for empty range")
	})
}

func TestParallelFor_WorkerPanicReachesCaller(t *testing.T) {
	t.Parallel()

	var finished atomic.Int32
	defer func() {
		r := recover()
		if r != "boom in worker 2" {
			t.Fatalf("recovered %v, want the worker's panic value", r)
		}
		if got := finished.Load(); got != 3 {
			t.Errorf("%d workers finished, want 3 before the panic is re-raised", got)
		}
	}()

	parallelFor(40, 4, func(w, _, _ int) {
		if w == 2 {
			panic("boom in worker 2")
		}
		finished.Add(1)
	})
	t.Fatal("parallelFor returned normally")
}

func TestParallelFor_MisuseInsideWorkersIsRecoverable(t *testing.T) {
	t.Parallel()

	ce := CovarianceEstimator{Method: RegularizationMethod(99), NumThreads: 4}
	rotations := make([][4]float64, 32)
	scales := make([][3]float64, 32)
	for i := range rotations {
		rotations[i] = [4]float64{0, 0, 0, 1}
		scales[i] = [3]float64{1, 1, 1}
	}
	defer func() {
		if recover() == nil {
			t.Fatal("unknown regularization method did not panic")
		}
	}()
	ce.FromOrientationScales(rotations, scales)
}
