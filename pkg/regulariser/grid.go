package regulariser

import (
	"math"

	"tomofista/internal/models"
)

// grid describes the voxel layout of a volume for the finite difference
// operators. 2D volumes (depth 1) use two gradient components.
type grid struct {
	nx, ny, nz int
}

func newGrid(vol *models.Volume) grid {
	return grid{nx: vol.Width, ny: vol.Height, nz: vol.Depth}
}

func (g grid) size() int { return g.nx * g.ny * g.nz }

// dims returns the number of gradient components
func (g grid) dims() int {
	if g.nz > 1 {
		return 3
	}
	return 2
}

// lipschitz returns the squared norm bound of the gradient operator
func (g grid) lipschitz() float64 {
	return 4 * float64(g.dims())
}

// field is a vector field over the grid, one slice per component
type field [3][]float64

func (g grid) newField() field {
	var f field
	for c := 0; c < g.dims(); c++ {
		f[c] = make([]float64, g.size())
	}
	return f
}

// gradient computes forward differences of u into out. Differences across
// the last row, column or slice are zero.
func (g grid) gradient(u []float64, out field) {
	plane := g.nx * g.ny
	for z := 0; z < g.nz; z++ {
		for y := 0; y < g.ny; y++ {
			for x := 0; x < g.nx; x++ {
				i := z*plane + y*g.nx + x
				out[0][i] = 0
				if x < g.nx-1 {
					out[0][i] = u[i+1] - u[i]
				}
				out[1][i] = 0
				if y < g.ny-1 {
					out[1][i] = u[i+g.nx] - u[i]
				}
				if g.nz > 1 {
					out[2][i] = 0
					if z < g.nz-1 {
						out[2][i] = u[i+plane] - u[i]
					}
				}
			}
		}
	}
}

// divergence computes the negative adjoint of gradient into out
func (g grid) divergence(p field, out []float64) {
	plane := g.nx * g.ny
	for z := 0; z < g.nz; z++ {
		for y := 0; y < g.ny; y++ {
			for x := 0; x < g.nx; x++ {
				i := z*plane + y*g.nx + x
				var d float64
				if x < g.nx-1 {
					d += p[0][i]
				}
				if x > 0 {
					d -= p[0][i-1]
				}
				if y < g.ny-1 {
					d += p[1][i]
				}
				if y > 0 {
					d -= p[1][i-g.nx]
				}
				if g.nz > 1 {
					if z < g.nz-1 {
						d += p[2][i]
					}
					if z > 0 {
						d -= p[2][i-plane]
					}
				}
				out[i] = d
			}
		}
	}
}

// projectBall scales every vector of p with magnitude above radius back onto the ball
func (g grid) projectBall(p field, radius float64) {
	n := g.dims()
	for i := 0; i < g.size(); i++ {
		var m float64
		for c := 0; c < n; c++ {
			m += p[c][i] * p[c][i]
		}
		m = math.Sqrt(m)
		if m > radius {
			s := radius / m
			for c := 0; c < n; c++ {
				p[c][i] *= s
			}
		}
	}
}

// TotalVariation returns the isotropic total variation of a volume
func TotalVariation(vol *models.Volume) float64 {
	g := newGrid(vol)
	grad := g.newField()
	g.gradient(vol.Data, grad)

	var tv float64
	for i := 0; i < g.size(); i++ {
		var m float64
		for c := 0; c < g.dims(); c++ {
			m += grad[c][i] * grad[c][i]
		}
		tv += math.Sqrt(m)
	}
	return tv
}
