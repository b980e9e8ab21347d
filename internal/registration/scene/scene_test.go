package scene

import (
	"math"
	"testing"

	"github.com/banshee-data/gicp/internal/registration"
)

func TestGenerate_Deterministic(t *testing.T) {
	a := NewGenerator(42).Generate()
	b := NewGenerator(42).Generate()
	if a.Len() != 3000 {
		t.Fatalf("Len() = %d, want 3000", a.Len())
	}
	for i := range a.Points {
		if a.Points[i] != b.Points[i] {
			t.Fatalf("point %d differs: %v vs %v", i, a.Points[i], b.Points[i])
		}
	}
	if registration.SameCloud(a, b) {
		t.Error("separate generations share an ID")
	}

	c := NewGenerator(43).Generate()
	if a.Points[0] == c.Points[0] {
		t.Error("different seeds produced the same first point")
	}
}

func TestGenerate_Bounds(t *testing.T) {
	g := NewGenerator(1)
	g.Noise = 0
	cloud := g.Generate()
	for i, p := range cloud.Points {
		if p[3] != 1 {
			t.Fatalf("point %d not homogeneous: %v", i, p)
		}
		if p[2] < 0 || p[2] > g.BoxSize {
			t.Fatalf("point %d height %g outside [0, %g]", i, p[2], g.BoxSize)
		}
		if r := math.Hypot(p[0], p[1]); r > g.AreaRadius+1e-9 {
			t.Fatalf("point %d radius %g outside disc", i, r)
		}
	}
}

func TestRMSE(t *testing.T) {
	a := []registration.Point{registration.NewPoint(0, 0, 0), registration.NewPoint(1, 1, 1)}
	b := []registration.Point{registration.NewPoint(3, 4, 0), registration.NewPoint(1, 1, 1)}
	want := math.Sqrt(25.0 / 2)
	if got := RMSE(a, b); math.Abs(got-want) > 1e-12 {
		t.Errorf("RMSE = %g, want %g", got, want)
	}
	if got := RMSE(nil, nil); got != 0 {
		t.Errorf("RMSE(empty) = %g, want 0", got)
	}
}

func TestPerturbation_TransformError(t *testing.T) {
	p := Perturbation{RotationDeg: [3]float64{0, 0, 10}, Translation: [3]float64{0.3, 0, -0.4}}
	tr := p.Transform()

	rot, trans := TransformError(tr, registration.IdentityTransform())
	if math.Abs(rot-10) > 1e-9 {
		t.Errorf("rotation error = %g, want 10", rot)
	}
	if trans <= 0 {
		t.Errorf("translation error = %g, want > 0", trans)
	}

	rot, trans = TransformError(tr, tr)
	if rot > 1e-5 || trans > 1e-9 {
		t.Errorf("self error = (%g, %g), want zero", rot, trans)
	}
}

func TestCentroidAndApply(t *testing.T) {
	cloud := registration.NewPointSet([]registration.Point{
		registration.NewPoint(0, 0, 0),
		registration.NewPoint(2, 4, 6),
	})
	moved := Apply(cloud, registration.Translation(1, 1, 1))
	c := Centroid(moved)
	want := [3]float64{2, 3, 4}
	for i := range c {
		if math.Abs(c[i]-want[i]) > 1e-12 {
			t.Errorf("centroid[%d] = %g, want %g", i, c[i], want[i])
		}
	}
}
