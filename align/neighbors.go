package align

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// neighborIndex answers nearest-target queries for the iterative solver.
// nearest returns the closest stored point and its Euclidean distance.
type neighborIndex interface {
	nearest(p []float64) ([]float64, float64)
}

// newNeighborIndex picks a quadtree for planar clouds and a k-d tree for 3D.
func newNeighborIndex(dst PointCloud) neighborIndex {
	if dst.Dim() == 2 {
		return newPlanarIndex(dst)
	}
	return newSpatialIndex(dst)
}

type cloudPoint struct {
	p orb.Point
}

func (c cloudPoint) Point() orb.Point { return c.p }

type planarIndex struct {
	tree *quadtree.Quadtree
}

func newPlanarIndex(dst PointCloud) *planarIndex {
	mp := make(orb.MultiPoint, len(dst))
	for i, p := range dst {
		mp[i] = orb.Point{p[0], p[1]}
	}
	tree := quadtree.New(mp.Bound())
	for _, p := range mp {
		// every point lies inside the cloud's own bound
		_ = tree.Add(cloudPoint{p: p})
	}
	return &planarIndex{tree: tree}
}

func (ix *planarIndex) nearest(p []float64) ([]float64, float64) {
	q := orb.Point{p[0], p[1]}
	found := ix.tree.Find(q)
	if found == nil {
		return nil, math.Inf(1)
	}
	fp := found.Point()
	return []float64{fp[0], fp[1]}, math.Hypot(fp[0]-q[0], fp[1]-q[1])
}

type spatialIndex struct {
	tree *kdtree.Tree
}

func newSpatialIndex(dst PointCloud) *spatialIndex {
	// kdtree.New reorders its input, so build from copies.
	pts := make(kdtree.Points, len(dst))
	for i, p := range dst {
		pts[i] = append(kdtree.Point(nil), p...)
	}
	return &spatialIndex{tree: kdtree.New(pts, false)}
}

func (ix *spatialIndex) nearest(p []float64) ([]float64, float64) {
	found, dist2 := ix.tree.Nearest(kdtree.Point(p))
	if found == nil {
		return nil, math.Inf(1)
	}
	fp := found.(kdtree.Point)
	return append([]float64(nil), fp...), math.Sqrt(dist2)
}
