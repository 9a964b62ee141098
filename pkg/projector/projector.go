package projector

import (
	"fmt"
	"io"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// Projector is the forward/back-projection capability consumed by the
// reconstruction engine. Subsets are lists of indices into the geometry's
// AngleSet; a nil subset selects every angle in acquisition order.
//
// Implementations must not retain the buffers they are given or return
// beyond the call.
type Projector interface {
	// Geometry describes the grid and acquisition the projector works on
	Geometry() models.Geometry

	// Forward projects a volume onto the detector rows of the subset angles
	Forward(vol *models.Volume, subset []int) (*models.Sinogram, error)

	// Back applies the adjoint of Forward to sinogram rows of the subset angles
	Back(sino *models.Sinogram, subset []int) (*models.Volume, error)

	// FBP reconstructs a volume from a full sinogram analytically.
	// It is used for initialisation and as a baseline only.
	FBP(sino *models.Sinogram) (*models.Volume, error)
}

// ParallelBeam is a CPU parallel-beam projector.
//
// Forward projection is pixel-driven: every pixel centre is projected onto the
// detector and its value is split between the two nearest detector bins with
// linear weights. Back projection gathers with the same weights, which makes
// it the exact adjoint of Forward. 3D volumes are treated as a stack of
// independent 2D slices, one per detector row.
type ParallelBeam struct {
	geom    models.Geometry
	device  models.Device
	cos     []float64
	sin     []float64
	workers int
	logger  *logrus.Logger
}

// New creates a parallel-beam projector for the geometry.
//
// The device value is kept for reporting only: no accelerator kernel is
// bundled, so a GPU request runs on the CPU kernel and is logged once.
func New(geom models.Geometry, device models.Device, logger *logrus.Logger) (*ParallelBeam, error) {
	if err := geom.Validate(); err != nil {
		return nil, tomoerr.Configf("projector geometry: %v", err)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if device == models.GPU {
		logger.Warn("No GPU projector backend available, using the CPU kernel")
	}

	p := &ParallelBeam{
		geom:    geom,
		device:  device,
		cos:     make([]float64, len(geom.Angles)),
		sin:     make([]float64, len(geom.Angles)),
		workers: runtime.GOMAXPROCS(0),
		logger:  logger,
	}
	for i, a := range geom.Angles {
		p.sin[i], p.cos[i] = math.Sincos(a)
	}
	return p, nil
}

// Geometry returns the projector geometry
func (p *ParallelBeam) Geometry() models.Geometry { return p.geom }

// Device returns the device the projector was configured with
func (p *ParallelBeam) Device() models.Device { return p.device }

// Forward computes the line integrals of vol along the subset angles
func (p *ParallelBeam) Forward(vol *models.Volume, subset []int) (*models.Sinogram, error) {
	if err := p.checkVolume(vol); err != nil {
		return nil, err
	}
	subset, err := p.resolve(subset)
	if err != nil {
		return nil, err
	}

	out := p.geom.NewSinogram(len(subset))
	n := p.geom.ObjSize
	c := float64(n-1) / 2

	var g errgroup.Group
	g.SetLimit(p.workers)
	for k := 0; k < p.geom.Slices; k++ {
		for i, a := range subset {
			k, i, a := k, i, a
			g.Go(func() error {
				// Each task owns exactly one detector row of the output.
				row := out.Row(k, i)
				img := vol.Slice(k)
				cosA, sinA := p.cos[a], p.sin[a]
				for iy := 0; iy < n; iy++ {
					y := float64(iy) - c
					for ix := 0; ix < n; ix++ {
						val := img[iy*n+ix]
						if val == 0 {
							continue
						}
						u := (float64(ix)-c)*cosA + y*sinA + p.detectorCentre()
						u0 := math.Floor(u)
						w := u - u0
						j := int(u0)
						if j >= 0 && j < len(row) {
							row[j] += (1 - w) * val
						}
						if j+1 >= 0 && j+1 < len(row) {
							row[j+1] += w * val
						}
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Back computes the adjoint of Forward for sinogram rows of the subset angles
func (p *ParallelBeam) Back(sino *models.Sinogram, subset []int) (*models.Volume, error) {
	subset, err := p.resolve(subset)
	if err != nil {
		return nil, err
	}
	if err := checkSinogram(p.geom, sino, len(subset)); err != nil {
		return nil, err
	}

	out := p.geom.NewVolume()
	n := p.geom.ObjSize
	c := float64(n-1) / 2

	var g errgroup.Group
	g.SetLimit(p.workers)
	for k := 0; k < p.geom.Slices; k++ {
		for iy := 0; iy < n; iy++ {
			k, iy := k, iy
			g.Go(func() error {
				// Each task owns one image row of the output slice.
				img := out.Slice(k)
				y := float64(iy) - c
				for i, a := range subset {
					row := sino.Row(k, i)
					cosA, sinA := p.cos[a], p.sin[a]
					for ix := 0; ix < n; ix++ {
						u := (float64(ix)-c)*cosA + y*sinA + p.detectorCentre()
						u0 := math.Floor(u)
						w := u - u0
						j := int(u0)
						var sum float64
						if j >= 0 && j < len(row) {
							sum += (1 - w) * row[j]
						}
						if j+1 >= 0 && j+1 < len(row) {
							sum += w * row[j+1]
						}
						img[iy*n+ix] += sum
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FBP reconstructs the volume with Ram-Lak filtered back projection
func (p *ParallelBeam) FBP(sino *models.Sinogram) (*models.Volume, error) {
	if sino.Angles != len(p.geom.Angles) {
		return nil, tomoerr.Configf("FBP needs all %d angles, got %d", len(p.geom.Angles), sino.Angles)
	}
	if err := checkSinogram(p.geom, sino, sino.Angles); err != nil {
		return nil, err
	}
	filtered, err := rampFilter(sino, p.workers)
	if err != nil {
		return nil, err
	}
	vol, err := p.Back(filtered, nil)
	if err != nil {
		return nil, err
	}
	scale := math.Pi / float64(sino.Angles)
	for i := range vol.Data {
		vol.Data[i] *= scale
	}
	return vol, nil
}

func (p *ParallelBeam) detectorCentre() float64 {
	return float64(p.geom.Detectors-1)/2 + p.geom.CenterOffset
}

func (p *ParallelBeam) checkVolume(vol *models.Volume) error {
	return checkVolume(p.geom, vol)
}

func (p *ParallelBeam) resolve(subset []int) ([]int, error) {
	return resolveSubset(p.geom, subset)
}

func checkVolume(geom models.Geometry, vol *models.Volume) error {
	if vol == nil {
		return tomoerr.Configf("volume is nil")
	}
	if vol.Width != geom.ObjSize || vol.Height != geom.ObjSize || vol.Depth != geom.Slices {
		return tomoerr.Configf("volume %dx%dx%d does not match grid %dx%dx%d",
			vol.Width, vol.Height, vol.Depth, geom.ObjSize, geom.ObjSize, geom.Slices)
	}
	if len(vol.Data) != vol.Len() {
		return tomoerr.Configf("volume data length %d, expected %d", len(vol.Data), vol.Len())
	}
	return nil
}

// resolveSubset expands a nil subset to every angle and validates indices
// checkSinogram rejects sinograms that do not hold the given number of
// angle rows of the geometry, or whose data does not match their shape
func checkSinogram(geom models.Geometry, sino *models.Sinogram, angles int) error {
	if sino.Detectors != geom.Detectors || sino.Slices != geom.Slices || sino.Angles != angles {
		return tomoerr.Configf("sinogram %dx%dx%d does not match %d detectors, %d angles, %d slices",
			sino.Detectors, sino.Angles, sino.Slices, geom.Detectors, angles, geom.Slices)
	}
	if len(sino.Data) != sino.Len() {
		return tomoerr.Configf("sinogram data length %d, expected %d", len(sino.Data), sino.Len())
	}
	return nil
}

func resolveSubset(geom models.Geometry, subset []int) ([]int, error) {
	if subset == nil {
		all := make([]int, len(geom.Angles))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	for _, a := range subset {
		if a < 0 || a >= len(geom.Angles) {
			return nil, tomoerr.Configf("angle index %d out of range [0,%d)", a, len(geom.Angles))
		}
	}
	return subset, nil
}

// String describes the projector for logs
func (p *ParallelBeam) String() string {
	return fmt.Sprintf("parallel-beam %dx%d grid, %d detectors, %d angles, %d slices (%s)",
		p.geom.ObjSize, p.geom.ObjSize, p.geom.Detectors, len(p.geom.Angles), p.geom.Slices, p.device)
}
