package reconstruction

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"tomofista/internal/models"
	"tomofista/pkg/fidelity"
	"tomofista/pkg/projector"
	"tomofista/pkg/regulariser"
	"tomofista/pkg/tomoerr"
)

// State is the optimizer state machine position
type State int

const (
	Init State = iota
	Iterating
	Converged
	MaxIterReached
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max-iterations"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures an optimizer run
type Options struct {
	// Iterations is the maximum number of outer iterations
	Iterations int

	// Tolerance stops the run once the relative change of the estimate drops
	// below it; 0 disables the check
	Tolerance float64

	// Lipschitz is the Lipschitz constant of the full operator, see EstimateLipschitz
	Lipschitz float64

	// Subsets is the number of ordered subsets; 0 or 1 runs classic FISTA
	Subsets int

	// Nonnegativity clamps the estimate at zero after every gradient step
	Nonnegativity bool

	// Regulariser is applied as the proximal step; nil disables regularisation
	Regulariser regulariser.Regulariser

	// RegStrength and RegIterations are passed to the regulariser unchanged
	RegStrength   float64
	RegIterations int

	// Device is passed to the regulariser unchanged
	Device models.Device

	// Initial is the starting estimate; nil starts from zero. It is copied.
	Initial *models.Volume

	// RingWeights are the initial Group-Huber weights, e.g. from an earlier
	// run; nil starts from 1
	RingWeights []float64

	// Logger receives per-iteration details at debug level; nil discards them
	Logger *logrus.Logger

	// Progress is called after every completed iteration
	Progress func(Progress)
}

// Progress reports one completed iteration
type Progress struct {
	Iteration int
	Objective float64
	Change    float64
}

// Result is the outcome of a run. On failure it holds the last valid estimate.
type Result struct {
	Volume      *models.Volume
	Iterations  int
	State       State
	Objective   []float64
	Change      []float64
	RingWeights []float64
}

// Final returns the objective and relative change of the last completed
// iteration. ok is false when no iteration completed.
func (r *Result) Final() (objective, change float64, ok bool) {
	n := len(r.Objective)
	if n == 0 || len(r.Change) != n {
		return 0, 0, false
	}
	return r.Objective[n-1], r.Change[n-1], true
}

// Optimizer runs FISTA with optional ordered subsets.
//
// One outer iteration takes a gradient step of length k/L on the momentum
// point for each of the k subsets in order, applies the proximal step, then
// the momentum update, and finally lets the fidelity model update its ring
// state. There is no backtracking: the step is fixed by the Lipschitz
// constant for the whole run.
type Optimizer struct {
	projector projector.Projector
	model     *fidelity.Model
	opts      Options
	subsets   [][]int
	logger    *logrus.Logger
}

// NewOptimizer validates the options and creates an optimizer.
//
// Parameters:
//   - p: Projector for the acquisition geometry
//   - model: Data fidelity model built for the same geometry
//   - opts: Run options
//
// Returns:
//   - The optimizer, or an error wrapping tomoerr.ErrConfiguration
func NewOptimizer(p projector.Projector, model *fidelity.Model, opts Options) (*Optimizer, error) {
	if p == nil || model == nil {
		return nil, tomoerr.Configf("optimizer needs a projector and a fidelity model")
	}
	if opts.Iterations <= 0 {
		return nil, tomoerr.Configf("iterations must be positive, got %d", opts.Iterations)
	}
	if opts.Tolerance < 0 || math.IsNaN(opts.Tolerance) {
		return nil, tomoerr.Configf("tolerance must be non-negative, got %g", opts.Tolerance)
	}
	if !(opts.Lipschitz > 0) || math.IsInf(opts.Lipschitz, 0) {
		return nil, tomoerr.Configf("lipschitz_const must be positive and finite, got %g", opts.Lipschitz)
	}
	if opts.Regulariser != nil {
		if opts.RegIterations <= 0 {
			return nil, tomoerr.Configf("regularisation iterations must be positive, got %d", opts.RegIterations)
		}
		if opts.RegStrength < 0 || math.IsNaN(opts.RegStrength) {
			return nil, tomoerr.Configf("regul_param must be non-negative, got %g", opts.RegStrength)
		}
	}

	geom := p.Geometry()
	subsets, err := Partition(len(geom.Angles), opts.Subsets)
	if err != nil {
		return nil, err
	}
	if opts.Initial != nil {
		if opts.Initial.Width != geom.ObjSize || opts.Initial.Height != geom.ObjSize || opts.Initial.Depth != geom.Slices {
			return nil, tomoerr.Configf("initial volume %dx%dx%d does not match grid %dx%dx%d",
				opts.Initial.Width, opts.Initial.Height, opts.Initial.Depth, geom.ObjSize, geom.ObjSize, geom.Slices)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Optimizer{
		projector: p,
		model:     model,
		opts:      opts,
		subsets:   subsets,
		logger:    logger,
	}, nil
}

// Subsets returns the angle index groups visited in every iteration
func (o *Optimizer) Subsets() [][]int { return o.subsets }

// Run reconstructs a volume from the measured sinogram.
//
// The context is checked between outer iterations only. When the run stops
// early because of cancellation or a failure, the returned result holds the
// estimate of the last completed iteration together with the error.
func (o *Optimizer) Run(ctx context.Context, data *models.Sinogram) (*Result, error) {
	geom := o.projector.Geometry()
	if data == nil || data.Detectors != geom.Detectors || data.Angles != len(geom.Angles) || data.Slices != geom.Slices {
		return nil, tomoerr.Configf("sinogram does not match %d detectors, %d angles, %d slices",
			geom.Detectors, len(geom.Angles), geom.Slices)
	}
	if err := o.model.Reset(o.opts.RingWeights); err != nil {
		return nil, err
	}

	var x *models.Volume
	if o.opts.Initial != nil {
		x = o.opts.Initial.Clone()
	} else {
		x = geom.NewVolume()
	}
	if err := checkFinite(x, "initial volume"); err != nil {
		return nil, err
	}
	y := x.Clone()
	t := 1.0
	k := len(o.subsets)
	step := float64(k) / o.opts.Lipschitz

	res := &Result{Volume: x, State: Init}
	fail := func(state State, err error) (*Result, error) {
		res.State = state
		res.RingWeights = o.model.RingWeights()
		return res, err
	}

	o.logger.WithFields(logrus.Fields{
		"fidelity":   o.model.Kind().String(),
		"subsets":    k,
		"step":       step,
		"iterations": o.opts.Iterations,
	}).Debug("Starting FISTA")

	for it := 0; it < o.opts.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return fail(Cancelled, err)
		}
		res.State = Iterating

		var objective float64
		for _, subset := range o.subsets {
			if k == 1 {
				subset = nil
			}
			grad, loss, err := o.model.Gradient(o.projector, y, data, subset)
			if err != nil {
				return fail(Failed, err)
			}
			objective += loss
			floats.AddScaled(y.Data, -step, grad.Data)
			if o.opts.Nonnegativity {
				for i, v := range y.Data {
					if v < 0 {
						y.Data[i] = 0
					}
				}
			}
		}
		if err := checkFinite(y, "gradient step"); err != nil {
			return fail(Failed, err)
		}

		xNew, err := o.proximal(y)
		if err != nil {
			return fail(Failed, err)
		}
		if o.opts.Regulariser != nil {
			objective += o.opts.RegStrength * regulariser.TotalVariation(xNew)
		}

		tNew := (1 + math.Sqrt(1+4*t*t)) / 2
		beta := (t - 1) / tNew
		for i := range y.Data {
			y.Data[i] = xNew.Data[i] + beta*(xNew.Data[i]-x.Data[i])
		}

		o.model.EndIteration()

		change := relativeChange(xNew.Data, x.Data)
		x, t = xNew, tNew
		res.Volume = x
		res.Iterations = it + 1
		res.Objective = append(res.Objective, objective)
		res.Change = append(res.Change, change)

		o.logger.WithFields(logrus.Fields{
			"iteration": it + 1,
			"objective": objective,
			"change":    change,
		}).Debug("FISTA iteration")
		if o.opts.Progress != nil {
			o.opts.Progress(Progress{Iteration: it + 1, Objective: objective, Change: change})
		}

		if o.opts.Tolerance > 0 && change < o.opts.Tolerance {
			res.State = Converged
			break
		}
	}

	if res.State != Converged {
		res.State = MaxIterReached
	}
	res.RingWeights = o.model.RingWeights()
	return res, nil
}

// proximal applies the regulariser to a copy of y
func (o *Optimizer) proximal(y *models.Volume) (*models.Volume, error) {
	if o.opts.Regulariser == nil {
		return y.Clone(), nil
	}
	out, err := o.opts.Regulariser.Proximal(y.Clone(), o.opts.RegStrength, o.opts.RegIterations, o.opts.Device)
	if err != nil {
		return nil, tomoerr.Collaborator("proximal step", err)
	}
	if out == nil || !out.SameShape(y) || len(out.Data) != len(y.Data) {
		return nil, tomoerr.Collaboratorf("proximal step: regulariser returned a volume of the wrong shape")
	}
	if err := checkFinite(out, "proximal step"); err != nil {
		return nil, err
	}
	return out, nil
}

// relativeChange returns ||a - b|| / ||a||. A zero a gives the absolute change.
func relativeChange(a, b []float64) float64 {
	diff := floats.Distance(a, b, 2)
	norm := floats.Norm(a, 2)
	if norm == 0 {
		return diff
	}
	return diff / norm
}

func checkFinite(vol *models.Volume, stage string) error {
	for i, v := range vol.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return tomoerr.Numericalf("%s produced a non-finite value at voxel %d", stage, i)
		}
	}
	return nil
}
