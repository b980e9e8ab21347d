package registration

import (
	"math"
)

// Mat3 is a row-major 3×3 matrix.
type Mat3 [9]float64

// Mat4 is a row-major 4×4 matrix: m00,m01,m02,m03, m10,...
type Mat4 [16]float64

// Mat6 is a row-major 6×6 matrix.
type Mat6 [36]float64

// Vec6 is a 6-vector ordered rotation (rx, ry, rz) then translation (tx, ty, tz).
type Vec6 [6]float64

// Transform is a rigid 3-D transform stored as a row-major homogeneous
// 4×4 matrix with last row (0, 0, 0, 1).
type Transform Mat4

// small-angle cutoff for the SO(3)/SE(3) series expansions
const expSmallAngle = 1e-10

// Identity3 returns the 3×3 identity.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// IdentityTransform returns the identity transform.
func IdentityTransform() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewTransform builds a transform from a rotation and a translation.
func NewTransform(r Mat3, t [3]float64) Transform {
	return Transform{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}
}

// Translation builds a pure translation.
func Translation(x, y, z float64) Transform {
	return NewTransform(Identity3(), [3]float64{x, y, z})
}

// Rotation returns the linear (rotation) block.
func (t Transform) Rotation() Mat3 {
	return Mat3{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	}
}

// TranslationPart returns the translation column.
func (t Transform) TranslationPart() [3]float64 {
	return [3]float64{t[3], t[7], t[11]}
}

// Apply transforms a homogeneous point.
func (t Transform) Apply(p Point) Point {
	return Point(Mat4(t).MulVec([4]float64(p)))
}

// Compose returns t·u (u applied first).
func (t Transform) Compose(u Transform) Transform {
	return Transform(Mat4(t).Mul(Mat4(u)))
}

// Inverse returns the inverse rigid transform.
func (t Transform) Inverse() Transform {
	rt := t.Rotation().T()
	tr := t.TranslationPart()
	ti := rt.MulVec(tr)
	return NewTransform(rt, [3]float64{-ti[0], -ti[1], -ti[2]})
}

// ApplyCloud transforms every point of src into a new slice.
func (t Transform) ApplyCloud(src []Point) []Point {
	out := make([]Point, len(src))
	for i, p := range src {
		out[i] = t.Apply(p)
	}
	return out
}

// At returns element (r, c).
func (m Mat3) At(r, c int) float64 { return m[r*3+c] }

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m[r*3]*n[c] + m[r*3+1]*n[3+c] + m[r*3+2]*n[6+c]
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat3) MulVec(v [3]float64) [3]float64 {
	return [3]float64{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// At returns element (r, c).
func (m Mat4) At(r, c int) float64 { return m[r*4+c] }

// Mul returns m·n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// T returns the transpose.
func (m Mat4) T() Mat4 {
	var out Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[c*4+r] = m[r*4+c]
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat4) MulVec(v [4]float64) [4]float64 {
	var out [4]float64
	for r := 0; r < 4; r++ {
		out[r] = m[r*4]*v[0] + m[r*4+1]*v[1] + m[r*4+2]*v[2] + m[r*4+3]*v[3]
	}
	return out
}

// Block3 returns the upper-left 3×3 block.
func (m Mat4) Block3() Mat3 {
	return Mat3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// embed3 places a 3×3 block in the upper-left corner of a zero 4×4.
func embed3(b Mat3) Mat4 {
	return Mat4{
		b[0], b[1], b[2], 0,
		b[3], b[4], b[5], 0,
		b[6], b[7], b[8], 0,
		0, 0, 0, 0,
	}
}

// At returns element (r, c).
func (m Mat6) At(r, c int) float64 { return m[r*6+c] }

// Skew returns the skew-symmetric cross-product matrix of v.
func Skew(v [3]float64) Mat3 {
	return Mat3{
		0, -v[2], v[1],
		v[2], 0, -v[0],
		-v[1], v[0], 0,
	}
}

// SO3Exp maps a rotation vector to a rotation matrix (Rodrigues).
func SO3Exp(omega [3]float64) Mat3 {
	thetaSq := omega[0]*omega[0] + omega[1]*omega[1] + omega[2]*omega[2]
	w := Skew(omega)
	w2 := w.Mul(w)

	var a, b float64
	if thetaSq < expSmallAngle {
		a = 1 - thetaSq/6
		b = 0.5 - thetaSq/24
	} else {
		theta := math.Sqrt(thetaSq)
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / thetaSq
	}

	r := Identity3()
	for i := range r {
		r[i] += a*w[i] + b*w2[i]
	}
	return r
}

// SE3Exp maps a 6-parameter twist (rotation first) to a rigid transform.
func SE3Exp(d Vec6) Transform {
	omega := [3]float64{d[0], d[1], d[2]}
	rho := [3]float64{d[3], d[4], d[5]}

	thetaSq := omega[0]*omega[0] + omega[1]*omega[1] + omega[2]*omega[2]
	w := Skew(omega)
	w2 := w.Mul(w)

	var b, c float64
	if thetaSq < expSmallAngle {
		b = 0.5 - thetaSq/24
		c = 1.0/6 - thetaSq/120
	} else {
		theta := math.Sqrt(thetaSq)
		b = (1 - math.Cos(theta)) / thetaSq
		c = (theta - math.Sin(theta)) / (thetaSq * theta)
	}

	v := Identity3()
	for i := range v {
		v[i] += b*w[i] + c*w2[i]
	}
	return NewTransform(SO3Exp(omega), v.MulVec(rho))
}
