package projector

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/dsp/fourier"

	"tomofista/internal/models"
)

// rampFilter applies the Ram-Lak filter to every detector row of a sinogram.
//
// Rows are zero-padded to a power of two at least twice the detector count so
// that the circular convolution computed in the frequency domain equals the
// linear one over the detector support.
//
// Parameters:
//   - sino: Sinogram to filter; it is not modified
//   - workers: Maximum number of goroutines
//
// Returns:
//   - A new sinogram with filtered rows
func rampFilter(sino *models.Sinogram, workers int) (*models.Sinogram, error) {
	size := paddedLength(sino.Detectors)
	kernel := ramLakResponse(size)

	out := models.NewSinogram(sino.Detectors, sino.Angles, sino.Slices)
	rows := sino.Angles * sino.Slices
	if workers < 1 {
		workers = 1
	}
	chunk := (rows + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < rows; start += chunk {
		start, end := start, min(start+chunk, rows)
		g.Go(func() error {
			// The FFT object keeps work buffers, so every goroutine gets its own.
			fft := fourier.NewFFT(size)
			padded := make([]float64, size)
			coeff := make([]complex128, size/2+1)
			for r := start; r < end; r++ {
				src := sino.Data[r*sino.Detectors : (r+1)*sino.Detectors]
				dst := out.Data[r*sino.Detectors : (r+1)*sino.Detectors]

				copy(padded, src)
				for i := len(src); i < size; i++ {
					padded[i] = 0
				}
				fft.Coefficients(coeff, padded)
				for i := range coeff {
					coeff[i] *= kernel[i]
				}
				fft.Sequence(padded, coeff)

				// Gonum's transforms are unnormalised
				for i := range dst {
					dst[i] = padded[i] / float64(size)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ramLakResponse returns the frequency response of the band-limited ramp
// filter sampled on a circular grid of the given length. The spatial kernel
// is h[0] = 1/4, h[n] = -1/(pi n)^2 for odd n and zero for even n.
func ramLakResponse(size int) []complex128 {
	h := make([]float64, size)
	h[0] = 0.25
	for n := 1; n <= size/2; n++ {
		if n%2 == 0 {
			continue
		}
		v := -1 / (math.Pi * math.Pi * float64(n) * float64(n))
		h[n] = v
		h[size-n] = v
	}

	fft := fourier.NewFFT(size)
	resp := fft.Coefficients(nil, h)
	// h is real and even, so its spectrum is real
	for i := range resp {
		resp[i] = complex(real(resp[i]), 0)
	}
	return resp
}

// paddedLength returns the smallest power of two not below 2*n
func paddedLength(n int) int {
	size := 1
	for size < 2*n {
		size <<= 1
	}
	return size
}
