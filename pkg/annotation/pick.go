package annotation

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"labelstation/internal/models"
)

// handle is one draggable position indexed in the kd-tree.
type handle struct {
	pos   models.Vec3
	item  int
	index int
}

func (h handle) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return h.pos[d] - c.(handle).pos[d]
}

func (h handle) Dims() int { return 3 }

// Distance returns the squared Euclidean distance
func (h handle) Distance(c kdtree.Comparable) float64 {
	d := h.pos.Sub(c.(handle).pos)
	return d.Dot(d)
}

type handles []handle

func (h handles) Index(i int) kdtree.Comparable         { return h[i] }
func (h handles) Len() int                              { return len(h) }
func (h handles) Slice(start, end int) kdtree.Interface { return h[start:end] }

func (h handles) Pivot(d kdtree.Dim) int {
	p := handlePlane{handles: h, Dim: d}
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

type handlePlane struct {
	handles
	kdtree.Dim
}

func (p handlePlane) Less(i, j int) bool {
	return p.handles[i].pos[p.Dim] < p.handles[j].pos[p.Dim]
}

func (p handlePlane) Slice(start, end int) kdtree.SortSlicer {
	return handlePlane{handles: p.handles[start:end], Dim: p.Dim}
}

func (p handlePlane) Swap(i, j int) {
	p.handles[i], p.handles[j] = p.handles[j], p.handles[i]
}

// Hit is the result of a successful Pick.
type Hit[T Item] struct {
	Item     T
	Handle   int
	Distance float64
}

// Pick returns the visible handle nearest to p within tolerance mm.
func (m *Manager[T]) Pick(p models.Vec3, tolerance float64) (Hit[T], bool) {
	var pts handles
	for i, item := range m.items {
		if !item.Visible() {
			continue
		}
		for j, pos := range item.Handles() {
			pts = append(pts, handle{pos: pos, item: i, index: j})
		}
	}
	if len(pts) == 0 {
		return Hit[T]{}, false
	}

	tree := kdtree.New(pts, false)
	got, dist := tree.Nearest(handle{pos: p})
	if got == nil || dist > tolerance*tolerance {
		return Hit[T]{}, false
	}
	h := got.(handle)
	return Hit[T]{Item: m.items[h.item], Handle: h.index, Distance: p.Distance(h.pos)}, true
}
