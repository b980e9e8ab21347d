package registration

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/gicp/internal/monitoring"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// DefaultCorrespondenceRandomness is the default neighbour count k used
// for local covariance estimation.
const DefaultCorrespondenceRandomness = 25

// CovarianceEstimator computes one regularised local covariance per point.
type CovarianceEstimator struct {
	K          int                  // neighbours per point, including the point itself
	Method     RegularizationMethod // regularisation applied to each raw covariance
	NumThreads int                  // 0 selects GOMAXPROCS
}

// Estimate computes covariances and raw orientation/scale decompositions
// for every point of cloud. The index is rebound to cloud first when it is
// bound to a different generation.
//
// An empty cloud is reported on the ops log and yields nil slices.
func (ce CovarianceEstimator) Estimate(cloud *PointSet, index NearestNeighborIndex) ([]Mat4, []OrientationScale) {
	if cloud.Len() == 0 {
		monitoring.Opsf("covariance estimation skipped: no point cloud")
		return nil, nil
	}
	if !SameCloud(index.InputCloud(), cloud) {
		index.SetInputCloud(cloud)
	}

	k := ce.K
	if k <= 0 {
		k = DefaultCorrespondenceRandomness
	}

	start := time.Now()
	n := cloud.Len()
	covs := make([]Mat4, n)
	decomps := make([]OrientationScale, n)

	parallelFor(n, ce.NumThreads, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			indices, _ := index.NearestKSearch(cloud.Points[i], k)
			raw := neighborhoodCovariance(cloud.Points, indices)
			values, basis := decomposeCovariance(raw)

			decomps[i] = OrientationScale{
				Rotation: quaternionFromBasis(basis),
				Scale:    [3]float64{math.Sqrt(values[0]), math.Sqrt(values[1]), math.Sqrt(values[2])},
			}
			covs[i] = Regularize(ce.Method, values, basis)
		}
	})

	monitoring.Diagf("estimated %d covariances (k=%d, method=%s) in %v", n, k, ce.Method, time.Since(start))
	return covs, decomps
}

// FromOrientationScales rebuilds covariances from externally supplied
// orientation quaternions (x, y, z, w) and scales, using scale² as the
// eigenvalues. The returned decomposition slice holds the inputs with each
// quaternion normalised.
//
// FromOrientationScales panics when the two slices differ in length.
func (ce CovarianceEstimator) FromOrientationScales(rotations [][4]float64, scales [][3]float64) ([]Mat4, []OrientationScale) {
	if len(rotations) != len(scales) {
		panic(fmt.Sprintf("registration: %d orientations but %d scales", len(rotations), len(scales)))
	}

	n := len(scales)
	covs := make([]Mat4, n)
	decomps := make([]OrientationScale, n)

	parallelFor(n, ce.NumThreads, func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			q := normalizeQuaternion(rotations[i])
			s := scales[i]
			values := [3]float64{s[0] * s[0], s[1] * s[1], s[2] * s[2]}

			decomps[i] = OrientationScale{Rotation: q, Scale: s}
			covs[i] = Regularize(ce.Method, values, rotationFromQuaternion(q))
		}
	})
	return covs, decomps
}

// neighborhoodCovariance returns Σ (p-μ)(p-μ)ᵗ / m over the m neighbours.
func neighborhoodCovariance(points []Point, indices []int) Mat3 {
	var cov Mat3
	m := len(indices)
	if m == 0 {
		return cov
	}

	var mean [3]float64
	for _, idx := range indices {
		p := points[idx]
		mean[0] += p[0]
		mean[1] += p[1]
		mean[2] += p[2]
	}
	for j := range mean {
		mean[j] /= float64(m)
	}

	for _, idx := range indices {
		p := points[idx]
		d := [3]float64{p[0] - mean[0], p[1] - mean[1], p[2] - mean[2]}
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				cov[r*3+c] += d[r] * d[c]
			}
		}
	}
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			cov[r*3+c] /= float64(m)
			cov[c*3+r] = cov[r*3+c]
		}
	}
	return cov
}

func finiteMat3(c Mat3) bool {
	for _, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// decomposeCovariance returns the eigenvalues of a symmetric PSD matrix in
// descending order (clamped at zero) and a right-handed orthonormal basis
// whose columns are the matching eigenvectors.
func decomposeCovariance(c Mat3) ([3]float64, Mat3) {
	sym := mat.NewSymDense(3, []float64{
		c[0], c[1], c[2],
		c[1], c[4], c[5],
		c[2], c[5], c[8],
	})

	var es mat.EigenSym
	if !finiteMat3(c) || !es.Factorize(sym, true) {
		// Zero-information fallback: isotropic zero covariance.
		monitoring.Diagf("covariance decomposition failed, using zero covariance: %v", c)
		return [3]float64{}, Identity3()
	}
	ascending := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var values [3]float64
	var basis Mat3
	for col := 0; col < 3; col++ {
		src := 2 - col
		values[col] = math.Max(ascending[src], 0)
		for row := 0; row < 3; row++ {
			basis[row*3+col] = vecs.At(row, src)
		}
	}
	if basis.Det() < 0 {
		for row := 0; row < 3; row++ {
			basis[row*3+2] = -basis[row*3+2]
		}
	}
	return values, basis
}

// quaternionFromBasis converts a rotation matrix to a unit quaternion in
// (x, y, z, w) order.
func quaternionFromBasis(r Mat3) [4]float64 {
	var q quat.Number
	trace := r[0] + r[4] + r[8]
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (r[7] - r[5]) / s, Jmag: (r[2] - r[6]) / s, Kmag: (r[3] - r[1]) / s}
	case r[0] > r[4] && r[0] > r[8]:
		s := math.Sqrt(1+r[0]-r[4]-r[8]) * 2
		q = quat.Number{Real: (r[7] - r[5]) / s, Imag: 0.25 * s, Jmag: (r[1] + r[3]) / s, Kmag: (r[2] + r[6]) / s}
	case r[4] > r[8]:
		s := math.Sqrt(1+r[4]-r[0]-r[8]) * 2
		q = quat.Number{Real: (r[2] - r[6]) / s, Imag: (r[1] + r[3]) / s, Jmag: 0.25 * s, Kmag: (r[5] + r[7]) / s}
	default:
		s := math.Sqrt(1+r[8]-r[0]-r[4]) * 2
		q = quat.Number{Real: (r[3] - r[1]) / s, Imag: (r[2] + r[6]) / s, Jmag: (r[5] + r[7]) / s, Kmag: 0.25 * s}
	}
	q = quat.Scale(1/quat.Abs(q), q)
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// normalizeQuaternion scales an (x, y, z, w) quaternion to unit length.
// A zero quaternion maps to the identity rotation.
func normalizeQuaternion(v [4]float64) [4]float64 {
	q := quat.Number{Real: v[3], Imag: v[0], Jmag: v[1], Kmag: v[2]}
	n := quat.Abs(q)
	if n == 0 {
		return [4]float64{0, 0, 0, 1}
	}
	q = quat.Scale(1/n, q)
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// rotationFromQuaternion converts a unit (x, y, z, w) quaternion to a
// rotation matrix.
func rotationFromQuaternion(q [4]float64) Mat3 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
}

// RotationFromQuaternion converts an (x, y, z, w) quaternion, normalising
// it first, to a rotation matrix.
func RotationFromQuaternion(q [4]float64) Mat3 {
	return rotationFromQuaternion(normalizeQuaternion(q))
}
