// Package rings models stripe (ring) artifacts in sinogram residuals.
//
// Two models are provided. Estimate is a stateless median filter that
// isolates detector-column stripes in a residual. GroupHuber keeps
// per-detector robust weights that adapt across iterations.
package rings

import (
	"sort"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// Halfsizes holds the median filter half windows along the detector,
// angle and slice axes. A window of half size h covers 2h+1 samples.
type Halfsizes struct {
	Detectors int
	Angles    int
	Slices    int
}

// Validate checks that the half sizes describe a usable stripe estimator.
// At least one of the detector or slice windows must be active because the
// background is estimated across those axes.
func (h Halfsizes) Validate() error {
	if h.Detectors < 0 || h.Angles < 0 || h.Slices < 0 {
		return tomoerr.Configf("ring half sizes must be non-negative, got (%d,%d,%d)",
			h.Detectors, h.Angles, h.Slices)
	}
	if h.Detectors == 0 && h.Slices == 0 {
		return tomoerr.Configf("ring half sizes need a detector or slice window, got (%d,%d,%d)",
			h.Detectors, h.Angles, h.Slices)
	}
	return nil
}

// ForSlices returns the half sizes that apply to a sinogram with the given
// number of slices. A single-slice sinogram has no slice axis, so its slice
// window is dropped.
func (h Halfsizes) ForSlices(slices int) Halfsizes {
	if slices <= 1 {
		h.Slices = 0
	}
	return h
}

// Estimate returns the stripe component of a residual sinogram.
//
// The residual is first smoothed along the angle axis with a median filter,
// which keeps structures that persist across angles (stripes) and removes
// the rest. The background is the median of the raw residual across
// detectors, across slices, or the mean of both when both windows are set.
// The stripe estimate is the smoothed residual minus that background.
// Neighbours falling outside the sinogram are replaced by the centre sample.
// The slice window is ignored for a single-slice residual.
//
// Parameters:
//   - res: Residual sinogram, not modified
//   - h: Median window half sizes
//
// Returns:
//   - A new sinogram holding the stripe estimate
func Estimate(res *models.Sinogram, h Halfsizes) (*models.Sinogram, error) {
	h = h.ForSlices(res.Slices)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if len(res.Data) != res.Len() {
		return nil, tomoerr.Configf("residual data length %d, expected %d", len(res.Data), res.Len())
	}

	smoothed := res
	if h.Angles > 0 {
		smoothed = medianAlongAngles(res, h.Angles)
	}

	out := models.NewSinogram(res.Detectors, res.Angles, res.Slices)
	win := make([]float64, 0, 2*max(h.Detectors, h.Slices)+1)
	for k := 0; k < res.Slices; k++ {
		for a := 0; a < res.Angles; a++ {
			raw := res.Row(k, a)
			dst := out.Row(k, a)
			for d, centre := range raw {
				detectors := func(i int) float64 { return raw[i] }
				slices := func(i int) float64 { return res.Data[res.Index(i, a, d)] }

				var background float64
				switch {
				case h.Detectors > 0 && h.Slices > 0:
					bd := windowMedian(win, centre, h.Detectors, d, res.Detectors, detectors)
					bs := windowMedian(win, centre, h.Slices, k, res.Slices, slices)
					background = 0.5 * (bd + bs)
				case h.Detectors > 0:
					background = windowMedian(win, centre, h.Detectors, d, res.Detectors, detectors)
				default:
					background = windowMedian(win, centre, h.Slices, k, res.Slices, slices)
				}
				dst[d] = smoothed.Data[smoothed.Index(k, a, d)] - background
			}
		}
	}
	return out, nil
}

func medianAlongAngles(res *models.Sinogram, half int) *models.Sinogram {
	out := models.NewSinogram(res.Detectors, res.Angles, res.Slices)
	win := make([]float64, 0, 2*half+1)
	for k := 0; k < res.Slices; k++ {
		for a := 0; a < res.Angles; a++ {
			for d := 0; d < res.Detectors; d++ {
				centre := res.Data[res.Index(k, a, d)]
				out.Data[out.Index(k, a, d)] = windowMedian(win, centre, half, a, res.Angles, func(i int) float64 {
					return res.Data[res.Index(k, i, d)]
				})
			}
		}
	}
	return out
}

// windowMedian returns the median of the 2*half+1 samples around pos.
// Positions outside [0, n) contribute the centre value.
func windowMedian(buf []float64, centre float64, half, pos, n int, at func(int) float64) float64 {
	buf = buf[:0]
	for i := pos - half; i <= pos+half; i++ {
		if i < 0 || i >= n {
			buf = append(buf, centre)
			continue
		}
		buf = append(buf, at(i))
	}
	sort.Float64s(buf)
	return buf[half]
}
