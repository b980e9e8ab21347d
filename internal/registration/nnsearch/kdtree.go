// Package nnsearch provides nearest-neighbour indices for registration.
package nnsearch

import (
	"sort"
	"sync"

	"github.com/banshee-data/gicp/internal/registration"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// pivotSamples is the sample count for median-of-randoms pivot selection.
const pivotSamples = 100

// KDTree is a registration.NearestNeighborIndex backed by a gonum k-d tree.
// Queries are safe for concurrent use; SetInputCloud must not overlap with
// queries.
type KDTree struct {
	mu    sync.RWMutex
	cloud *registration.PointSet
	tree  *kdtree.Tree
}

// NewKDTree returns an unbound index.
func NewKDTree() *KDTree {
	return &KDTree{}
}

// SetInputCloud rebuilds the tree over cloud. A nil or empty cloud leaves
// the index bound but empty.
func (t *KDTree) SetInputCloud(cloud *registration.PointSet) {
	var tree *kdtree.Tree
	if cloud.Len() > 0 {
		pts := make(indexedPoints, cloud.Len())
		for i, p := range cloud.Points {
			pts[i] = indexedPoint{p: p, idx: i}
		}
		tree = kdtree.New(pts, false)
	}

	t.mu.Lock()
	t.cloud = cloud
	t.tree = tree
	t.mu.Unlock()
}

// InputCloud returns the bound cloud.
func (t *KDTree) InputCloud() *registration.PointSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cloud
}

// NearestKSearch returns up to k nearest neighbours of query, nearest
// first. Equidistant neighbours are ordered by index.
func (t *KDTree) NearestKSearch(query registration.Point, k int) ([]int, []float64) {
	t.mu.RLock()
	tree := t.tree
	t.mu.RUnlock()

	if tree == nil || k <= 0 {
		return nil, nil
	}
	q := indexedPoint{p: query, idx: -1}

	if k == 1 {
		c, d := tree.Nearest(q)
		if c == nil {
			return nil, nil
		}
		return []int{c.(indexedPoint).idx}, []float64{d}
	}

	keeper := kdtree.NewNKeeper(k)
	tree.NearestSet(keeper, q)

	found := make([]kdtree.ComparableDist, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		found = append(found, cd)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Dist != found[j].Dist {
			return found[i].Dist < found[j].Dist
		}
		return found[i].Comparable.(indexedPoint).idx < found[j].Comparable.(indexedPoint).idx
	})

	indices := make([]int, len(found))
	sqDists := make([]float64, len(found))
	for i, cd := range found {
		indices[i] = cd.Comparable.(indexedPoint).idx
		sqDists[i] = cd.Dist
	}
	return indices, sqDists
}

// indexedPoint carries a cloud point and its index through the tree.
type indexedPoint struct {
	p   registration.Point
	idx int
}

// Compare implements kdtree.Comparable.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.p[d] - q.p[d]
}

// Dims implements kdtree.Comparable.
func (p indexedPoint) Dims() int { return 3 }

// Distance implements kdtree.Comparable as the squared Euclidean distance.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	dx := p.p[0] - q.p[0]
	dy := p.p[1] - q.p[1]
	dz := p.p[2] - q.p[2]
	return dx*dx + dy*dy + dz*dz
}

// indexedPoints satisfies kdtree.Interface.
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{indexedPoints: p, Dim: d}, kdtree.MedianOfRandoms(plane{indexedPoints: p, Dim: d}, pivotSamples))
}

// plane implements kdtree.SortSlicer for one dimension.
type plane struct {
	indexedPoints
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].p[p.Dim] < p.indexedPoints[j].p[p.Dim]
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{indexedPoints: p.indexedPoints[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
