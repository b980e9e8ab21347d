package registration_test

import (
	"math"
	"testing"

	"github.com/banshee-data/gicp/internal/registration"
	"github.com/banshee-data/gicp/internal/registration/nnsearch"
	"github.com/banshee-data/gicp/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// matchFixture returns a jittered lattice, its covariances and a bound
// kd-tree.
func matchFixture(t *testing.T) (*registration.PointSet, []registration.Mat4, *nnsearch.KDTree) {
	t.Helper()
	cloud := testutil.Lattice(4, 1, 0.1, 11)
	index := nnsearch.NewKDTree()
	covs, _ := registration.CovarianceEstimator{K: 8, Method: registration.RegularizationMinEig}.Estimate(cloud, index)
	require.Len(t, covs, cloud.Len())
	return cloud, covs, index
}

func TestMatchCorrespondences_IdenticalClouds(t *testing.T) {
	t.Parallel()

	cloud, covs, index := matchFixture(t)
	corrs, stats := registration.MatchCorrespondences(
		registration.IdentityTransform(), cloud, covs, index, covs, 0.5, 4)

	assert.Equal(t, cloud.Len(), stats.Matched)
	assert.Zero(t, stats.Rejected)
	for i, c := range corrs {
		require.True(t, c.Matched(), "point %d", i)
		assert.Equal(t, i, c.Target)
		assert.Zero(t, c.SqDist)
		for r := 0; r < 4; r++ {
			assert.Zero(t, c.Weight.At(r, 3), "point %d weight column 3", i)
			assert.Zero(t, c.Weight.At(3, r), "point %d weight row 3", i)
			for col := 0; col < 3; col++ {
				testutil.AssertNear(t, "weight symmetry", c.Weight.At(r, col), c.Weight.At(col, r), 1e-9*math.Abs(c.Weight.At(r, r)))
			}
		}
	}
}

func TestMatchCorrespondences_ZeroThresholdRejectsAll(t *testing.T) {
	t.Parallel()

	cloud, covs, index := matchFixture(t)
	corrs, stats := registration.MatchCorrespondences(
		registration.IdentityTransform(), cloud, covs, index, covs, 0, 2)

	assert.Zero(t, stats.Matched)
	assert.Equal(t, cloud.Len(), stats.Rejected)
	for _, c := range corrs {
		assert.Equal(t, registration.NoMatch, c.Target)
	}
	assert.Zero(t, registration.ComputeError(registration.IdentityTransform(), cloud, cloud, corrs, 2))
	lin := registration.Linearize(registration.IdentityTransform(), cloud, cloud, corrs, 2)
	assert.Zero(t, lin.Error)
	assert.Zero(t, lin.Matched)
	assert.Equal(t, registration.Mat6{}, lin.H)
}

func TestMatchCorrespondences_DistanceGate(t *testing.T) {
	t.Parallel()

	target := registration.NewPointSet([]registration.Point{registration.NewPoint(0, 0, 0)})
	source := registration.NewPointSet([]registration.Point{
		registration.NewPoint(0.5, 0, 0),
		registration.NewPoint(1, 0, 0),
		registration.NewPoint(2, 0, 0),
	})
	index := nnsearch.NewKDTree()
	index.SetInputCloud(target)

	iso := registration.Regularize(registration.RegularizationNone, [3]float64{1, 1, 1}, registration.Identity3())
	srcCovs := []registration.Mat4{iso, iso, iso}
	tgtCovs := []registration.Mat4{iso}

	corrs, stats := registration.MatchCorrespondences(
		registration.IdentityTransform(), source, srcCovs, index, tgtCovs, 1, 1)

	assert.Equal(t, registration.MatchStats{Matched: 1, Rejected: 2}, stats)
	assert.Equal(t, 0, corrs[0].Target)
	// d² = max² is outside the gate.
	assert.Equal(t, registration.NoMatch, corrs[1].Target)
	assert.Equal(t, 1.0, corrs[1].SqDist)
	assert.Equal(t, registration.NoMatch, corrs[2].Target)
}

func TestMatchCorrespondences_SizeMismatchPanics(t *testing.T) {
	t.Parallel()

	cloud, covs, index := matchFixture(t)
	require.Panics(t, func() {
		registration.MatchCorrespondences(registration.IdentityTransform(), cloud, covs[1:], index, covs, 1, 1)
	})
	require.Panics(t, func() {
		registration.MatchCorrespondences(registration.IdentityTransform(), cloud, covs, index, covs[1:], 1, 1)
	})
}

func TestMahalanobisWeight(t *testing.T) {
	t.Parallel()

	iso := registration.Regularize(registration.RegularizationNone, [3]float64{1, 1, 1}, registration.Identity3())
	rot := registration.SO3Exp([3]float64{0.2, 0.3, -0.1})

	w, ok := registration.MahalanobisWeight(rot, iso, iso)
	require.True(t, ok)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			want := 0.0
			if r == c && r < 3 {
				want = 0.5
			}
			testutil.AssertNear(t, "W", w.At(r, c), want, 1e-12)
		}
	}

	_, ok = registration.MahalanobisWeight(rot, registration.Mat4{}, registration.Mat4{})
	assert.False(t, ok, "zero covariances must be rejected as singular")
}

func TestMahalanobisWeight_RankDeficient(t *testing.T) {
	t.Parallel()

	flat := registration.Regularize(registration.RegularizationNone, [3]float64{1, 1, 0}, registration.Identity3())
	w, ok := registration.MahalanobisWeight(registration.Identity3(), flat, flat)
	require.True(t, ok, "flat covariances keep the pair")

	want := [3]float64{0.5, 0.5, 0}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			v := 0.0
			if r == c && r < 3 {
				v = want[r]
			}
			testutil.AssertNear(t, "W", w.At(r, c), v, 1e-12)
		}
	}

	nan := flat
	nan[0] = math.NaN()
	_, ok = registration.MahalanobisWeight(registration.Identity3(), nan, flat)
	assert.False(t, ok, "non-finite covariances must be rejected")
}
