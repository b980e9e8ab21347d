package registration

// LinearizeResult is the weighted GICP cost and, optionally, its
// Gauss-Newton linearisation around a transform.
type LinearizeResult struct {
	Error   float64 // Σ eᵗ·W·e over matched pairs
	H       Mat6    // Σ Jᵗ·W·J (zero unless derivatives were requested)
	B       Vec6    // Σ Jᵗ·W·e (zero unless derivatives were requested)
	Matched int     // pairs that contributed
}

// accumulator is one worker's private partial sum.
type accumulator struct {
	err     float64
	h       Mat6
	b       Vec6
	matched int
}

// residual returns target_j − t·source_i as a homogeneous 4-vector together
// with the transformed source point.
func residual(t Transform, src, dst Point) (e [4]float64, moved Point) {
	moved = t.Apply(src)
	for j := range e {
		e[j] = dst[j] - moved[j]
	}
	return e, moved
}

// quadForm returns eᵗ·W·e.
func quadForm(e [4]float64, w Mat4) float64 {
	we := w.MulVec(e)
	return e[0]*we[0] + e[1]*we[1] + e[2]*we[2] + e[3]*we[3]
}

// ComputeError sums eᵗ·W·e over the matched correspondences, where
// e = target_j − t·source_i. Unmatched pairs contribute zero.
func ComputeError(t Transform, source, target *PointSet, corrs []Correspondence, threads int) float64 {
	return linearize(t, source, target, corrs, threads, false).Error
}

// Linearize computes the error of ComputeError and the Gauss-Newton Hessian
// and gradient with respect to a left perturbation exp(δ)·t, δ = (ω, ρ).
// The per-pair Jacobian of the transformed source point is
//
//	J = [ skew(t·p) | −I ]   (4×6, last row zero)
//
// Per-worker partial sums are combined in worker order, so results are
// reproducible for a fixed thread count.
func Linearize(t Transform, source, target *PointSet, corrs []Correspondence, threads int) LinearizeResult {
	return linearize(t, source, target, corrs, threads, true)
}

func linearize(t Transform, source, target *PointSet, corrs []Correspondence, threads int, derivatives bool) LinearizeResult {
	n := len(corrs)
	workers := workerCount(n, threads)
	accs := make([]accumulator, workers)

	parallelFor(n, workers, func(w, lo, hi int) {
		acc := &accs[w]
		for i := lo; i < hi; i++ {
			c := &corrs[i]
			if !c.Matched() {
				continue
			}
			e, moved := residual(t, source.Points[i], target.Points[c.Target])
			acc.err += quadForm(e, c.Weight)
			acc.matched++
			if derivatives {
				accumulateJacobian(acc, moved, e, &c.Weight)
			}
		}
	})

	var out LinearizeResult
	for w := range accs {
		out.Error += accs[w].err
		out.Matched += accs[w].matched
		if !derivatives {
			continue
		}
		for j := range out.H {
			out.H[j] += accs[w].h[j]
		}
		for j := range out.B {
			out.B[j] += accs[w].b[j]
		}
	}
	return out
}

// accumulateJacobian adds Jᵗ·W·J and Jᵗ·W·e for one pair. The fourth row of
// J and the fourth component of e are zero, so only the 3×3 block of W
// participates.
func accumulateJacobian(acc *accumulator, moved Point, e [4]float64, w *Mat4) {
	sk := Skew(moved.XYZ())

	var j [3][6]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			j[r][c] = sk[r*3+c]
		}
		j[r][3+r] = -1
	}

	// wj = W₃·J, we = W₃·e
	var wj [3][6]float64
	var we [3]float64
	for r := 0; r < 3; r++ {
		for k := 0; k < 3; k++ {
			wrk := w[r*4+k]
			we[r] += wrk * e[k]
			for c := 0; c < 6; c++ {
				wj[r][c] += wrk * j[k][c]
			}
		}
	}

	for a := 0; a < 6; a++ {
		for b := 0; b < 6; b++ {
			acc.h[a*6+b] += j[0][a]*wj[0][b] + j[1][a]*wj[1][b] + j[2][a]*wj[2][b]
		}
		acc.b[a] += j[0][a]*we[0] + j[1][a]*we[1] + j[2][a]*we[2]
	}
}
