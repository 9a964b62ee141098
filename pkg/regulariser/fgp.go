package regulariser

import (
	"math"

	"tomofista/internal/models"
)

// fgp is the fast gradient projection method of Beck and Teboulle applied
// to the dual of the ROF model
type fgp struct {
	*base
}

func (r *fgp) Proximal(vol *models.Volume, strength float64, iterations int, device models.Device) (*models.Volume, error) {
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
	n := g.dims()
	p, pOld, q := g.newField(), g.newField(), g.newField()
	grad := g.newField()
	div := make([]float64, len(u))
	step := 1 / (g.lipschitz() * strength)
	t := 1.0

	for it := 0; it < iterations; it++ {
		copy(prev, u)

		// u = f + strength * div(q) is the primal point of the dual iterate q
		g.divergence(q, div)
		for i := range u {
			u[i] = f[i] + strength*div[i]
		}
		g.gradient(u, grad)

		for c := 0; c < n; c++ {
			copy(pOld[c], p[c])
			for i := range p[c] {
				p[c][i] = q[c][i] + step*grad[c][i]
			}
		}
		g.projectBall(p, 1)

		tNew := (1 + math.Sqrt(1+4*t*t)) / 2
		beta := (t - 1) / tNew
		for c := 0; c < n; c++ {
			for i := range q[c] {
				q[c][i] = p[c][i] + beta*(p[c][i]-pOld[c][i])
			}
		}
		t = tNew

		if it > 0 && converged(prev, u, r.opts.Tolerance) {
			break
		}
	}

	g.divergence(p, div)
	for i := range u {
		u[i] = f[i] + strength*div[i]
	}
	return out, nil
}
