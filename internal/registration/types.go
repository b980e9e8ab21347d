package registration

import (
	"github.com/google/uuid"
)

// Point is a homogeneous 3-D coordinate. The fourth component is always 1.
type Point [4]float64

// NewPoint returns the homogeneous point (x, y, z, 1).
func NewPoint(x, y, z float64) Point {
	return Point{x, y, z, 1}
}

// XYZ returns the Cartesian part of the point.
func (p Point) XYZ() [3]float64 {
	return [3]float64{p[0], p[1], p[2]}
}

// PointSet is an ordered, immutable collection of points.
//
// ID is a generation token: two PointSets are treated as the same cloud
// exactly when their IDs are equal. Any PointSet whose contents change must
// receive a fresh ID, which NewPointSet and Clone do. A PointSet literal
// with a zero ID carries no token and is identified by its pointer alone.
type PointSet struct {
	ID     uuid.UUID
	Points []Point
}

// NewPointSet wraps points in a PointSet with a fresh generation token.
// The slice is not copied.
func NewPointSet(points []Point) *PointSet {
	return &PointSet{ID: uuid.New(), Points: points}
}

// Len returns the number of points. A nil PointSet has length 0.
func (ps *PointSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.Points)
}

// Clone returns a deep copy with a new generation token.
func (ps *PointSet) Clone() *PointSet {
	if ps == nil {
		return nil
	}
	pts := make([]Point, len(ps.Points))
	copy(pts, ps.Points)
	return NewPointSet(pts)
}

// SameCloud reports whether a and b refer to the same cloud generation.
func SameCloud(a, b *PointSet) bool {
	if a == nil || b == nil || a.ID == uuid.Nil || b.ID == uuid.Nil {
		return a == b
	}
	return a.ID == b.ID
}

// sharesStorage reports whether a and b are backed by the same point array.
func sharesStorage(a, b *PointSet) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	if len(a.Points) == 0 || len(b.Points) == 0 {
		return false
	}
	return &a.Points[0] == &b.Points[0]
}

// NearestNeighborIndex is the query contract of a spatial index bound to
// a single PointSet.
//
// NearestKSearch returns at most k neighbour indices into the bound cloud
// together with their squared distances, nearest first. Implementations
// must be safe for concurrent queries once bound.
type NearestNeighborIndex interface {
	SetInputCloud(cloud *PointSet)
	InputCloud() *PointSet
	NearestKSearch(query Point, k int) (indices []int, sqDistances []float64)
}

// OrientationScale is the decomposition of a raw local covariance into
// a unit quaternion (x, y, z, w order) and the square roots of its
// singular values, largest first.
type OrientationScale struct {
	Rotation [4]float64
	Scale    [3]float64
}

// NoMatch marks a source point whose nearest target point failed the
// distance gate.
const NoMatch = -1

// Correspondence pairs a source point with its nearest target point.
type Correspondence struct {
	Target int     // index into the target cloud, or NoMatch
	SqDist float64 // squared distance to the nearest target point
	Weight Mat4    // Mahalanobis weight; homogeneous corner is 0
}

// Matched reports whether the correspondence passed the distance gate.
func (c Correspondence) Matched() bool {
	return c.Target != NoMatch
}
