// Package volume holds dense 3D grids of intensities and segmentation labels.
//
// Both grids are indexed [x][y][z] and stored row-major with z varying fastest.
// The x axis is the one inference slices along.
package volume

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidShape = errors.New("volume: every dimension must be positive")

type Shape [3]int

func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s[0], s[1], s[2])
}

func (s Shape) index(x, y, z int) int {
	return (x*s[1]+y)*s[2] + z
}

// Volume is a grid of voxel intensities.
type Volume struct {
	Shape Shape
	Data  []float32
}

func New(shape Shape) (*Volume, error) {
	if !shape.Valid() {
		return nil, errors.Wrapf(ErrInvalidShape, "got %s", shape)
	}
	return &Volume{Shape: shape, Data: make([]float32, shape.Len())}, nil
}

func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Shape.index(x, y, z)]
}

func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[v.Shape.index(x, y, z)] = val
}

// Max returns the largest voxel value, or 0 for an empty volume.
func (v *Volume) Max() float32 {
	if len(v.Data) == 0 {
		return 0
	}
	m := v.Data[0]
	for _, val := range v.Data[1:] {
		if val > m {
			m = val
		}
	}
	return m
}

// Reshape copies v into a new volume of the given shape. Voxels outside the
// source are zero and voxels outside the target are dropped; both grids are
// anchored at the origin.
func (v *Volume) Reshape(shape Shape) (*Volume, error) {
	out, err := New(shape)
	if err != nil {
		return nil, err
	}
	nx, ny, nz := minInt(v.Shape[0], shape[0]), minInt(v.Shape[1], shape[1]), minInt(v.Shape[2], shape[2])
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			src := v.Shape.index(x, y, 0)
			dst := shape.index(x, y, 0)
			copy(out.Data[dst:dst+nz], v.Data[src:src+nz])
		}
	}
	return out, nil
}

// SliceX returns a copy of the plane at x as a [y][z] row-major buffer.
func (v *Volume) SliceX(x int) []float32 {
	n := v.Shape[1] * v.Shape[2]
	out := make([]float32, n)
	copy(out, v.Data[x*n:(x+1)*n])
	return out
}

// Plane returns the 2D plane at index i along axis as a row-major buffer
// together with its row and column counts. The two remaining axes keep their
// order: axis 0 gives [y][z], axis 1 gives [x][z] and axis 2 gives [x][y].
func (v *Volume) Plane(axis, i int) (data []float32, rows, cols int) {
	rows, cols = planeDims(v.Shape, axis)
	data = make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y, z := planeCoord(axis, i, r, c)
			data[r*cols+c] = v.At(x, y, z)
		}
	}
	return data, rows, cols
}

// Labels is a grid of per-voxel class labels, 0 being background.
type Labels struct {
	Shape Shape
	Data  []uint8
}

func NewLabels(shape Shape) (*Labels, error) {
	if !shape.Valid() {
		return nil, errors.Wrapf(ErrInvalidShape, "got %s", shape)
	}
	return &Labels{Shape: shape, Data: make([]uint8, shape.Len())}, nil
}

func (l *Labels) At(x, y, z int) uint8 {
	return l.Data[l.Shape.index(x, y, z)]
}

func (l *Labels) Set(x, y, z int, val uint8) {
	l.Data[l.Shape.index(x, y, z)] = val
}

// Reshape is Volume.Reshape for labels.
func (l *Labels) Reshape(shape Shape) (*Labels, error) {
	out, err := NewLabels(shape)
	if err != nil {
		return nil, err
	}
	nx, ny, nz := minInt(l.Shape[0], shape[0]), minInt(l.Shape[1], shape[1]), minInt(l.Shape[2], shape[2])
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			src := l.Shape.index(x, y, 0)
			dst := shape.index(x, y, 0)
			copy(out.Data[dst:dst+nz], l.Data[src:src+nz])
		}
	}
	return out, nil
}

// SetSliceX overwrites the plane at x with a [y][z] row-major buffer.
func (l *Labels) SetSliceX(x int, plane []uint8) {
	n := l.Shape[1] * l.Shape[2]
	copy(l.Data[x*n:(x+1)*n], plane)
}

// Count returns the number of voxels carrying label.
func (l *Labels) Count(label uint8) int {
	n := 0
	for _, v := range l.Data {
		if v == label {
			n++
		}
	}
	return n
}

func (l *Labels) Max() uint8 {
	var m uint8
	for _, v := range l.Data {
		if v > m {
			m = v
		}
	}
	return m
}

// Plane is the label counterpart of Volume.Plane.
func (l *Labels) Plane(axis, i int) (data []uint8, rows, cols int) {
	rows, cols = planeDims(l.Shape, axis)
	data = make([]uint8, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y, z := planeCoord(axis, i, r, c)
			data[r*cols+c] = l.At(x, y, z)
		}
	}
	return data, rows, cols
}

// AreaAlong returns, for each index along axis, how many foreground voxels
// the plane at that index contains.
func (l *Labels) AreaAlong(axis int) []int {
	areas := make([]int, l.Shape[axis])
	for x := 0; x < l.Shape[0]; x++ {
		for y := 0; y < l.Shape[1]; y++ {
			for z := 0; z < l.Shape[2]; z++ {
				if l.At(x, y, z) == 0 {
					continue
				}
				switch axis {
				case 0:
					areas[x]++
				case 1:
					areas[y]++
				default:
					areas[z]++
				}
			}
		}
	}
	return areas
}

// LargestPlane returns the index along axis whose plane has the most
// foreground voxels. Ties resolve to the lowest index, so an empty mask yields 0.
func (l *Labels) LargestPlane(axis int) int {
	best, bestArea := 0, -1
	for i, a := range l.AreaAlong(axis) {
		if a > bestArea {
			best, bestArea = i, a
		}
	}
	return best
}

func planeDims(s Shape, axis int) (rows, cols int) {
	switch axis {
	case 0:
		return s[1], s[2]
	case 1:
		return s[0], s[2]
	default:
		return s[0], s[1]
	}
}

func planeCoord(axis, i, r, c int) (x, y, z int) {
	switch axis {
	case 0:
		return i, r, c
	case 1:
		return r, i, c
	default:
		return r, c, i
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
