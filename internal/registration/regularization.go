package registration

import (
	"fmt"
	"math"
	"strings"
)

// RegularizationMethod selects how a raw local covariance is conditioned
// before it is used as a GICP shape model.
type RegularizationMethod int

const (
	// RegularizationNone keeps the raw covariance.
	RegularizationNone RegularizationMethod = iota
	// RegularizationFrobenius adds a small ridge and rescales by the
	// Frobenius norm of the inverse.
	RegularizationFrobenius
	// RegularizationPlane forces eigenvalues to (1, 1, 1e-3).
	RegularizationPlane
	// RegularizationMinEig clamps eigenvalues to at least 1e-3.
	RegularizationMinEig
	// RegularizationNormalizedMinEig divides by the largest eigenvalue, then clamps.
	RegularizationNormalizedMinEig
	// RegularizationNormalizedEllipse divides by the middle eigenvalue, then clamps.
	RegularizationNormalizedEllipse
)

const (
	// RegularizationFloor is the minimum eigenvalue after regularisation.
	RegularizationFloor = 1e-3
	// DegenerateEllipseValue is the uniform eigenvalue used when the middle
	// eigenvalue of a NORMALIZED_ELLIPSE input is numerically zero, that is
	// below DegenerateEllipseValue·max(1, largest eigenvalue). It is also the
	// relative threshold of that test.
	DegenerateEllipseValue = 1e-9

	frobeniusLambda = 1e-3
)

var regularizationNames = map[RegularizationMethod]string{
	RegularizationNone:              "NONE",
	RegularizationFrobenius:         "FROBENIUS",
	RegularizationPlane:             "PLANE",
	RegularizationMinEig:            "MIN_EIG",
	RegularizationNormalizedMinEig:  "NORMALIZED_MIN_EIG",
	RegularizationNormalizedEllipse: "NORMALIZED_ELLIPSE",
}

func (m RegularizationMethod) String() string {
	if name, ok := regularizationNames[m]; ok {
		return name
	}
	return fmt.Sprintf("RegularizationMethod(%d)", int(m))
}

// ParseRegularizationMethod parses a method name such as "MIN_EIG".
// Matching is case-insensitive.
func ParseRegularizationMethod(s string) (RegularizationMethod, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for m, name := range regularizationNames {
		if name == want {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown regularization method %q", s)
}

// Regularize maps a raw covariance, given by its eigenvalues (largest first)
// and the orthonormal basis whose columns are the matching eigenvectors,
// to a conditioned covariance embedded in a zero 4×4 matrix.
//
// Regularize panics on an unknown method.
func Regularize(method RegularizationMethod, eigenvalues [3]float64, basis Mat3) Mat4 {
	values := eigenvalues

	switch method {
	case RegularizationNone:
	case RegularizationFrobenius:
		// (C⁻¹/‖C⁻¹‖)⁻¹ with C = raw + λI is ‖C⁻¹‖·C; C shares the basis.
		var invNormSq float64
		for i := range values {
			values[i] += frobeniusLambda
			invNormSq += 1 / (values[i] * values[i])
		}
		scale := math.Sqrt(invNormSq)
		for i := range values {
			values[i] *= scale
		}
	case RegularizationPlane:
		values = [3]float64{1, 1, RegularizationFloor}
	case RegularizationMinEig:
		values = clampValues(values)
	case RegularizationNormalizedMinEig:
		maxValue := math.Max(values[0], math.Max(values[1], values[2]))
		if maxValue > 0 {
			for i := range values {
				values[i] /= maxValue
			}
		}
		values = clampValues(values)
	case RegularizationNormalizedEllipse:
		if values[1] < DegenerateEllipseValue*math.Max(1, values[0]) {
			values = [3]float64{DegenerateEllipseValue, DegenerateEllipseValue, DegenerateEllipseValue}
			break
		}
		middle := values[1]
		for i := range values {
			values[i] /= middle
		}
		values = clampValues(values)
	default:
		panic(fmt.Sprintf("registration: unreachable regularization method %d", int(method)))
	}

	return embed3(compose(basis, values))
}

func clampValues(v [3]float64) [3]float64 {
	for i := range v {
		v[i] = math.Max(v[i], RegularizationFloor)
	}
	return v
}

// compose returns basis·diag(values)·basisᵗ.
func compose(basis Mat3, values [3]float64) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := r; c < 3; c++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += basis[r*3+k] * values[k] * basis[c*3+k]
			}
			out[r*3+c] = s
			out[c*3+r] = s
		}
	}
	return out
}
