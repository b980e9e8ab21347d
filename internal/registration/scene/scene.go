// Package scene generates seeded synthetic point clouds and rigid
// perturbations for exercising registration.
package scene

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/banshee-data/gicp/internal/registration"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Generator builds a ground disc with a box standing on it. The three
// orthogonal surface families constrain all six degrees of freedom.
type Generator struct {
	// Configuration
	GroundPoints int     // points on the ground disc
	BoxPoints    int     // points on the box faces
	AreaRadius   float64 // metres, radius of the ground disc
	BoxSize      float64 // metres, edge length of the box
	Noise        float64 // metres, standard deviation of sensor noise

	rng *rand.Rand
}

// NewGenerator returns a generator with default dimensions. The same seed
// always produces the same clouds.
func NewGenerator(seed uint64) *Generator {
	return &Generator{
		GroundPoints: 1500,
		BoxPoints:    1500,
		AreaRadius:   10,
		BoxSize:      3,
		Noise:        0.01,
		rng:          rand.New(rand.NewPCG(seed, seed^0x5bd1e995)),
	}
}

// Generate returns a new cloud.
func (g *Generator) Generate() *registration.PointSet {
	noise := distuv.Normal{Mu: 0, Sigma: math.Max(g.Noise, 0), Src: g.rng}
	jitter := func() float64 {
		if g.Noise <= 0 {
			return 0
		}
		return noise.Rand()
	}

	pts := make([]registration.Point, 0, g.GroundPoints+g.BoxPoints)

	// Ground: uniform disc at z = 0.
	for i := 0; i < g.GroundPoints; i++ {
		angle := g.rng.Float64() * 2 * math.Pi
		r := math.Sqrt(g.rng.Float64()) * g.AreaRadius
		pts = append(pts, registration.NewPoint(r*math.Cos(angle)+jitter(), r*math.Sin(angle)+jitter(), jitter()))
	}

	// Box: five visible faces, centred off the origin so the scene has no
	// rotational symmetry about z.
	cx, cy := g.AreaRadius/3, -g.AreaRadius/4
	h := g.BoxSize / 2
	for i := 0; i < g.BoxPoints; i++ {
		u := (g.rng.Float64()*2 - 1) * h
		v := (g.rng.Float64()*2 - 1) * h
		var x, y, z float64
		switch i % 5 {
		case 0:
			x, y, z = cx-h, cy+u, h+v
		case 1:
			x, y, z = cx+h, cy+u, h+v
		case 2:
			x, y, z = cx+u, cy-h, h+v
		case 3:
			x, y, z = cx+u, cy+h, h+v
		default:
			x, y, z = cx+u, cy+v, g.BoxSize
		}
		pts = append(pts, registration.NewPoint(x+jitter(), y+jitter(), z+jitter()))
	}
	return registration.NewPointSet(pts)
}

// Perturbation is a rigid motion expressed as a rotation vector in degrees
// and a translation in metres.
type Perturbation struct {
	RotationDeg [3]float64
	Translation [3]float64
}

// Transform returns the rigid transform of p.
func (p Perturbation) Transform() registration.Transform {
	d := registration.Vec6{
		p.RotationDeg[0] * math.Pi / 180,
		p.RotationDeg[1] * math.Pi / 180,
		p.RotationDeg[2] * math.Pi / 180,
	}
	r := registration.SE3Exp(d).Rotation()
	return registration.NewTransform(r, p.Translation)
}

func (p Perturbation) String() string {
	return fmt.Sprintf("rot=(%.2f, %.2f, %.2f)° trans=(%.3f, %.3f, %.3f)m",
		p.RotationDeg[0], p.RotationDeg[1], p.RotationDeg[2],
		p.Translation[0], p.Translation[1], p.Translation[2])
}

// RandomPerturbation draws a perturbation with each rotation component in
// [−maxDeg, maxDeg] and each translation component in [−maxTrans, maxTrans].
func (g *Generator) RandomPerturbation(maxDeg, maxTrans float64) Perturbation {
	var p Perturbation
	for i := 0; i < 3; i++ {
		p.RotationDeg[i] = (g.rng.Float64()*2 - 1) * maxDeg
		p.Translation[i] = (g.rng.Float64()*2 - 1) * maxTrans
	}
	return p
}

// Apply returns cloud moved by t with a new generation token.
func Apply(cloud *registration.PointSet, t registration.Transform) *registration.PointSet {
	return registration.NewPointSet(t.ApplyCloud(cloud.Points))
}

// RMSE returns the root-mean-square distance between corresponding points
// of a and b. It panics when the lengths differ.
func RMSE(a, b []registration.Point) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("scene: RMSE of %d and %d points", len(a), len(b)))
	}
	if len(a) == 0 {
		return 0
	}
	sq := make([]float64, len(a))
	diff := make([]float64, 3)
	for i := range a {
		for j := 0; j < 3; j++ {
			diff[j] = a[i][j] - b[i][j]
		}
		n := floats.Norm(diff, 2)
		sq[i] = n * n
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// Centroid returns the mean position of cloud.
func Centroid(cloud *registration.PointSet) [3]float64 {
	var c [3]float64
	if cloud.Len() == 0 {
		return c
	}
	axis := make([]float64, cloud.Len())
	for j := 0; j < 3; j++ {
		for i, p := range cloud.Points {
			axis[i] = p[j]
		}
		c[j] = stat.Mean(axis, nil)
	}
	return c
}

// TransformError returns the rotation angle in degrees and translation
// distance in metres between two transforms.
func TransformError(got, want registration.Transform) (rotDeg, trans float64) {
	delta := want.Inverse().Compose(got)
	r := delta.Rotation()
	c := (r[0] + r[4] + r[8] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	t := delta.TranslationPart()
	return math.Acos(c) * 180 / math.Pi, floats.Norm(t[:], 2)
}
