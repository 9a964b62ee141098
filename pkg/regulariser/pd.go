package regulariser

import (
	"math"

	"tomofista/internal/models"
)

// primalDual is the first order primal-dual method of Chambolle and Pock
// for the ROF model, with equal primal and dual steps
type primalDual struct {
	*base
}

func (r *primalDual) Proximal(vol *models.Volume, strength float64, iterations int, device models.Device) (*models.Volume, error) {
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
	bar := make([]float64, len(u))
	copy(bar, u)
	n := g.dims()
	p := g.newField()
	grad := g.newField()
	div := make([]float64, len(u))

	// sigma * tau * ||grad||^2 <= 1
	sigma := 1 / math.Sqrt(g.lipschitz())
	tau := sigma

	for it := 0; it < iterations; it++ {
		g.gradient(bar, grad)
		for c := 0; c < n; c++ {
			for i := range p[c] {
				p[c][i] += sigma * grad[c][i]
			}
		}
		g.projectBall(p, strength)

		copy(prev, u)
		g.divergence(p, div)
		for i := range u {
			u[i] = (u[i] + tau*div[i] + tau*f[i]) / (1 + tau)
			bar[i] = 2*u[i] - prev[i]
		}

		if converged(prev, u, r.opts.Tolerance) {
			break
		}
	}
	return out, nil
}
