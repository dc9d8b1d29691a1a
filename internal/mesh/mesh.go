// Package mesh reads model files far enough to tell whether they fit a
// printer.
package mesh

import (
	"errors"
	"math"

	"github.com/hschendel/stl"

	"slicer3d/internal/model"
)

const (
	X = 0
	Y = 1
	Z = 2
)

// Bounds is the axis-aligned bounding box of a model in mm.
type Bounds struct {
	Min       [3]float64 `json:"min"`
	Max       [3]float64 `json:"max"`
	Triangles int        `json:"triangles"`
}

// Size returns the extent of the box along each axis.
func (b Bounds) Size() [3]float64 {
	return [3]float64{b.Max[X] - b.Min[X], b.Max[Y] - b.Min[Y], b.Max[Z] - b.Min[Z]}
}

// Fits reports whether the box fits the printer volume without rotation.
// Model Z maps to printer height, Y to depth.
func (b Bounds) Fits(v model.Volume) bool {
	size := b.Size()
	return size[X] <= v.Width && size[Y] <= v.Depth && size[Z] <= v.Height
}

var ErrEmpty = errors.New("model has no triangles")

// Inspect reads an STL file (ASCII or binary) and returns its bounds.
func Inspect(path string) (Bounds, error) {
	solid, err := stl.ReadFile(path)
	if err != nil {
		return Bounds{}, err
	}
	return bounds(solid)
}

func bounds(solid *stl.Solid) (Bounds, error) {
	if len(solid.Triangles) == 0 {
		return Bounds{}, ErrEmpty
	}
	b := Bounds{Triangles: len(solid.Triangles)}
	for i := 0; i < 3; i++ {
		b.Min[i] = math.Inf(1)
		b.Max[i] = math.Inf(-1)
	}
	for i := range solid.Triangles {
		t := solid.Triangles[i]
		for j := range t.Vertices {
			v := t.Vertices[j]
			for axis := 0; axis < 3; axis++ {
				c := float64(v[axis])
				if c < b.Min[axis] {
					b.Min[axis] = c
				}
				if c > b.Max[axis] {
					b.Max[axis] = c
				}
			}
		}
	}
	return b, nil
}
