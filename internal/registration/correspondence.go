package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatchStats summarises one correspondence pass.
type MatchStats struct {
	Matched  int // pairs inside the distance gate with a usable weight
	Rejected int // pairs outside the distance gate
	Singular int // gated pairs dropped because the combined covariance was zero or not finite
}

// weightRcond is the singular value cutoff, relative to the largest, below
// which a direction of the combined covariance carries no weight.
const weightRcond = 1e-10

var identity3Dense = mat.NewDiagDense(3, []float64{1, 1, 1})

// MatchCorrespondences finds, for every source point transformed by t, its
// nearest target point and computes the combined Mahalanobis weight
//
//	W = (C_target + R·C_source·Rᵗ)⁻¹
//
// restricted to the 3×3 block; the homogeneous row and column of W are zero.
// A rank-deficient combined covariance, such as two flat patches under
// RegularizationNone, is pseudo-inverted so the pair still constrains the
// directions it has extent in. Pairs with d² ≥ maxDistance² are recorded as
// NoMatch. Pairs whose combined covariance is zero or not finite are dropped
// the same way and counted in MatchStats.Singular.
//
// sourceCovs must match the source size and targetCovs the size of the
// cloud bound to targetIndex; violating this panics.
func MatchCorrespondences(
	t Transform,
	source *PointSet,
	sourceCovs []Mat4,
	targetIndex NearestNeighborIndex,
	targetCovs []Mat4,
	maxDistance float64,
	threads int,
) ([]Correspondence, MatchStats) {
	n := source.Len()
	if len(sourceCovs) != n {
		panic(fmt.Sprintf("registration: %d source covariances for %d source points", len(sourceCovs), n))
	}
	if m := targetIndex.InputCloud().Len(); len(targetCovs) != m {
		panic(fmt.Sprintf("registration: %d target covariances for %d target points", len(targetCovs), m))
	}

	corrs := make([]Correspondence, n)
	workers := workerCount(n, threads)
	stats := make([]MatchStats, workers)
	maxSq := maxDistance * maxDistance
	rot := t.Rotation()

	parallelFor(n, workers, func(w, lo, hi int) {
		local := &stats[w]
		for i := lo; i < hi; i++ {
			query := t.Apply(source.Points[i])
			indices, sqDists := targetIndex.NearestKSearch(query, 1)
			if len(indices) == 0 {
				corrs[i] = Correspondence{Target: NoMatch, SqDist: math.Inf(1)}
				local.Rejected++
				continue
			}

			corrs[i].SqDist = sqDists[0]
			if !(sqDists[0] < maxSq) {
				corrs[i].Target = NoMatch
				local.Rejected++
				continue
			}

			weight, ok := mahalanobisWeight(rot, sourceCovs[i], targetCovs[indices[0]])
			if !ok {
				corrs[i].Target = NoMatch
				local.Singular++
				continue
			}
			corrs[i].Target = indices[0]
			corrs[i].Weight = weight
			local.Matched++
		}
	})

	var total MatchStats
	for _, s := range stats {
		total.Matched += s.Matched
		total.Rejected += s.Rejected
		total.Singular += s.Singular
	}
	return corrs, total
}

// mahalanobisWeight returns the pseudo-inverse of C_target + R·C_source·Rᵗ
// in homogeneous form, ignoring singular values below weightRcond times the
// largest. ok is false when nothing is left to invert.
func mahalanobisWeight(rot Mat3, sourceCov, targetCov Mat4) (Mat4, bool) {
	rcr := rot.Mul(sourceCov.Block3()).Mul(rot.T())
	tb := targetCov.Block3()

	combined := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := tb[r*3+c] + rcr[r*3+c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Mat4{}, false
			}
			combined.Set(r, c, v)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(combined, mat.SVDThin) {
		return Mat4{}, false
	}
	rank := svd.Rank(weightRcond)
	if rank == 0 {
		return Mat4{}, false
	}
	var inv mat.Dense
	svd.SolveTo(&inv, identity3Dense, rank)

	var w Mat4
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			w[r*4+c] = 0.5 * (inv.At(r, c) + inv.At(c, r))
		}
	}
	return w, true
}
