package regulariser

import (
	"math"

	"tomofista/internal/models"
)

// rofEpsilon smooths the gradient magnitude where the image is flat
const rofEpsilon = 1e-12

// rof solves the ROF model by explicit time marching of the TV flow
type rof struct {
	*base
}

func (r *rof) Proximal(vol *models.Volume, strength float64, iterations int, device models.Device) (*models.Volume, error) {
	g, ok, err := r.prepare(vol, strength, iterations, device)
	if err != nil {
		return nil, err
	}
	out := vol.Clone()
	if !ok {
		return out, nil
	}

	f := vol.Data
	u := out.Data
	prev := make([]float64, len(u))
	grad := g.newField()
	div := make([]float64, len(u))
	dt := r.opts.TimeMarchingStep
	n := g.dims()

	for it := 0; it < iterations; it++ {
		copy(prev, u)
		g.gradient(u, grad)
		for i := range u {
			var m float64
			for c := 0; c < n; c++ {
				m += grad[c][i] * grad[c][i]
			}
			m = math.Sqrt(m + rofEpsilon)
			for c := 0; c < n; c++ {
				grad[c][i] /= m
			}
		}
		g.divergence(grad, div)
		for i := range u {
			u[i] += dt * (strength*div[i] - (u[i] - f[i]))
		}
		if converged(prev, u, r.opts.Tolerance) {
			break
		}
	}
	return out, nil
}
