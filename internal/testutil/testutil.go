// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common cloud fixtures and numeric assertions to
// reduce duplication across the registration test files.
package testutil

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/banshee-data/gicp/internal/registration"
	"gonum.org/v1/gonum/stat/distuv"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertNear fails the test if |got − want| > tol.
func AssertNear(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %.9g, want %.9g ± %g", name, got, want, tol)
	}
}

// AssertTransformNear compares two transforms element-wise.
func AssertTransformNear(t *testing.T, got, want registration.Transform, tol float64) {
	t.Helper()
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Errorf("transform[%d][%d] = %.9g, want %.9g ± %g\ngot  %v\nwant %v",
				i/4, i%4, got[i], want[i], tol, got, want)
			return
		}
	}
}

// Rand returns a deterministic generator for seed.
func Rand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Lattice returns an n×n×n grid with the given spacing, each point moved by
// a uniform jitter in [−jitter, jitter] per axis. The same seed always gives
// the same cloud.
func Lattice(n int, spacing, jitter float64, seed uint64) *registration.PointSet {
	u := distuv.Uniform{Min: -jitter, Max: jitter, Src: rand.NewPCG(seed, seed+1)}
	sample := func() float64 {
		if jitter == 0 {
			return 0
		}
		return u.Rand()
	}

	pts := make([]registration.Point, 0, n*n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				pts = append(pts, registration.NewPoint(
					float64(i)*spacing+sample(),
					float64(j)*spacing+sample(),
					float64(k)*spacing+sample(),
				))
			}
		}
	}
	return registration.NewPointSet(pts)
}

// Plane returns an n×n grid on z = 0.
func Plane(n int, spacing float64) *registration.PointSet {
	pts := make([]registration.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, registration.NewPoint(float64(i)*spacing, float64(j)*spacing, 0))
		}
	}
	return registration.NewPointSet(pts)
}

// Moved returns a copy of cloud with t applied and a new generation token.
func Moved(cloud *registration.PointSet, t registration.Transform) *registration.PointSet {
	return registration.NewPointSet(t.ApplyCloud(cloud.Points))
}

// RotationZ returns a rotation of angle radians about the z axis.
func RotationZ(angle float64) registration.Mat3 {
	return registration.SO3Exp([3]float64{0, 0, angle})
}
