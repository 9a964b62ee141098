package models

import (
	"fmt"
	"math"
)

// Device selects where a collaborator should run its kernels.
// It is passed explicitly to projectors and regularisers and is never
// interpreted by the optimizer itself.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// ParseDevice converts a configuration string into a Device.
// An empty string selects the CPU.
func ParseDevice(s string) (Device, error) {
	switch s {
	case "", "cpu", "CPU":
		return CPU, nil
	case "gpu", "GPU":
		return GPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (must be cpu or gpu)", s)
	}
}

// AngleSet is the ordered sequence of projection angles in radians.
// The order is the acquisition order and is never changed during a run.
type AngleSet []float64

// Degrees builds an AngleSet of count angles evenly spaced from startDeg to
// stopDeg inclusive.
func Degrees(startDeg, stopDeg float64, count int) AngleSet {
	angles := make(AngleSet, count)
	if count == 1 {
		angles[0] = startDeg * math.Pi / 180
		return angles
	}
	step := (stopDeg - startDeg) / float64(count-1)
	for i := range angles {
		angles[i] = (startDeg + float64(i)*step) * math.Pi / 180
	}
	return angles
}

// Geometry describes the parallel-beam acquisition and the reconstruction grid
type Geometry struct {
	// ObjSize is the width and height of the reconstructed square grid
	ObjSize int

	// Detectors is the number of horizontal detector elements
	Detectors int

	// Slices is the number of vertical detector rows (1 for 2D)
	Slices int

	// Angles holds the projection angles in acquisition order
	Angles AngleSet

	// CenterOffset shifts the centre of rotation along the detector in pixels
	CenterOffset float64
}

// Validate checks that the geometry describes a non-empty problem
func (g Geometry) Validate() error {
	if g.ObjSize <= 0 {
		return fmt.Errorf("object size must be positive, got %d", g.ObjSize)
	}
	if g.Detectors <= 0 {
		return fmt.Errorf("detector count must be positive, got %d", g.Detectors)
	}
	if g.Slices <= 0 {
		return fmt.Errorf("slice count must be positive, got %d", g.Slices)
	}
	if len(g.Angles) == 0 {
		return fmt.Errorf("angle set is empty")
	}
	for i, a := range g.Angles {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return fmt.Errorf("angle %d is not finite", i)
		}
	}
	return nil
}

// NewVolume allocates a zero volume matching the reconstruction grid
func (g Geometry) NewVolume() *Volume {
	return NewVolume(g.ObjSize, g.ObjSize, g.Slices)
}

// NewSinogram allocates a zero sinogram holding the given number of angle rows
func (g Geometry) NewSinogram(angles int) *Sinogram {
	return NewSinogram(g.Detectors, angles, g.Slices)
}

// Volume represents a 2D or 3D reconstruction
type Volume struct {
	// Data is the volume data as a 1D array in row-major order [z][y][x]
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the number of slices (1 for a 2D reconstruction)
	Depth int
}

// NewVolume allocates a zero volume
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Len returns the number of voxels
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Is3D reports whether the volume holds more than one slice
func (v *Volume) Is3D() bool { return v.Depth > 1 }

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// Slice returns the data of slice z without copying
func (v *Volume) Slice(z int) []float64 {
	n := v.Width * v.Height
	return v.Data[z*n : (z+1)*n]
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	c := &Volume{
		Data:   make([]float64, len(v.Data)),
		Width:  v.Width,
		Height: v.Height,
		Depth:  v.Depth,
	}
	copy(c.Data, v.Data)
	return c
}

// SameShape reports whether two volumes have identical dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Sinogram holds projection data indexed by (slice, angle, detector).
// Data is stored row-major as [slice][angle][detector].
type Sinogram struct {
	Data      []float64
	Detectors int
	Angles    int
	Slices    int
}

// NewSinogram allocates a zero sinogram
func NewSinogram(detectors, angles, slices int) *Sinogram {
	return &Sinogram{
		Data:      make([]float64, detectors*angles*slices),
		Detectors: detectors,
		Angles:    angles,
		Slices:    slices,
	}
}

// Len returns the number of samples
func (s *Sinogram) Len() int { return s.Detectors * s.Angles * s.Slices }

// Index returns the offset of sample (slice, angle, detector) in Data
func (s *Sinogram) Index(slice, angle, det int) int {
	return (slice*s.Angles+angle)*s.Detectors + det
}

// Row returns the detector row recorded at the given angle of a slice without copying
func (s *Sinogram) Row(slice, angle int) []float64 {
	i := s.Index(slice, angle, 0)
	return s.Data[i : i+s.Detectors]
}

// Clone returns a deep copy of the sinogram
func (s *Sinogram) Clone() *Sinogram {
	c := &Sinogram{
		Data:      make([]float64, len(s.Data)),
		Detectors: s.Detectors,
		Angles:    s.Angles,
		Slices:    s.Slices,
	}
	copy(c.Data, s.Data)
	return c
}

// SameShape reports whether two sinograms have identical dimensions
func (s *Sinogram) SameShape(o *Sinogram) bool {
	return s.Detectors == o.Detectors && s.Angles == o.Angles && s.Slices == o.Slices
}

// Rows copies the angle rows listed in indices into a new sinogram.
// Rows appear in the order of indices.
func (s *Sinogram) Rows(indices []int) *Sinogram {
	out := NewSinogram(s.Detectors, len(indices), s.Slices)
	for k := 0; k < s.Slices; k++ {
		for i, a := range indices {
			copy(out.Row(k, i), s.Row(k, a))
		}
	}
	return out
}

// RowsOf copies the angle rows listed in indices out of a flat array laid out
// like a sinogram with the given dimensions. It is used for per-sample
// weights that share the sinogram layout.
func RowsOf(data []float64, detectors, angles, slices int, indices []int) []float64 {
	src := &Sinogram{Data: data, Detectors: detectors, Angles: angles, Slices: slices}
	return src.Rows(indices).Data
}
