package reconstruction

import (
	"context"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"tomofista/pkg/projector"
	"tomofista/pkg/tomoerr"
)

// PowerMethodOptions configures the Lipschitz constant estimate
type PowerMethodOptions struct {
	// Iterations is the number of power iterations; 0 selects 15
	Iterations int

	// Seed makes the random start vector reproducible; 0 selects 1
	Seed uint64

	// Weights are the PWLS weights in the layout of the full sinogram,
	// nil for the unweighted operator
	Weights []float64
}

const (
	defaultPowerIterations = 15
	defaultPowerSeed       = 1
)

// EstimateLipschitz estimates the largest eigenvalue of A^T W A with the
// power method, which is the Lipschitz constant of the gradient of the
// (weighted) least-squares data term for the full operator.
//
// The estimate is not guaranteed to be an upper bound. An under-estimate
// makes the optimizer steps too long and can make it diverge.
func EstimateLipschitz(ctx context.Context, p projector.Projector, opts PowerMethodOptions) (float64, error) {
	if opts.Iterations < 0 {
		return 0, tomoerr.Configf("power_iterations must be positive, got %d", opts.Iterations)
	}
	if opts.Iterations == 0 {
		opts.Iterations = defaultPowerIterations
	}
	if opts.Seed == 0 {
		opts.Seed = defaultPowerSeed
	}

	geom := p.Geometry()
	if opts.Weights != nil {
		want := geom.Detectors * len(geom.Angles) * geom.Slices
		if len(opts.Weights) != want {
			return 0, tomoerr.Configf("power method weights have %d samples, expected %d", len(opts.Weights), want)
		}
		for i, w := range opts.Weights {
			if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
				return 0, tomoerr.Configf("power method weight %d is %g", i, w)
			}
		}
	}

	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(opts.Seed)}
	x := geom.NewVolume()
	for i := range x.Data {
		x.Data[i] = normal.Rand()
	}

	y, err := p.Forward(x, nil)
	if err != nil {
		return 0, tomoerr.Collaborator("forward projection", err)
	}
	if opts.Weights != nil {
		floats.Mul(y.Data, opts.Weights)
	}

	var s float64
	for it := 0; it < opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		x, err = p.Back(y, nil)
		if err != nil {
			return 0, tomoerr.Collaborator("back projection", err)
		}
		s = floats.Norm(x.Data, 2)
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return 0, tomoerr.Numericalf("power method norm is %g, projector output is degenerate", s)
		}
		floats.Scale(1/s, x.Data)

		y, err = p.Forward(x, nil)
		if err != nil {
			return 0, tomoerr.Collaborator("forward projection", err)
		}
		if opts.Weights != nil {
			floats.Mul(y.Data, opts.Weights)
		}
	}
	return s, nil
}
