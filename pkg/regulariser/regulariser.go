// Package regulariser provides total variation proximal operators used as the
// regularisation step of the reconstruction.
//
// All operators solve, approximately and with a fixed iteration count,
//
//	prox(f) = argmin_u 1/2 ||u - f||^2 + strength * TV(u)
//
// where TV is the isotropic total variation of a 2D image or 3D volume.
package regulariser

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"tomofista/internal/models"
	"tomofista/pkg/tomoerr"
)

// Regulariser is the proximal-operator capability consumed by the
// optimizer. Implementations return a new volume and do not retain vol.
type Regulariser interface {
	Proximal(vol *models.Volume, strength float64, iterations int, device models.Device) (*models.Volume, error)
}

// Method names a regularisation method
type Method string

const (
	None  Method = "none"
	ROFTV Method = "ROF_TV"
	FGPTV Method = "FGP_TV"
	PDTV  Method = "PD_TV"
)

// ParseMethod converts a configuration name into a Method.
// An empty name selects None.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return None, nil
	case "ROF_TV":
		return ROFTV, nil
	case "FGP_TV":
		return FGPTV, nil
	case "PD_TV":
		return PDTV, nil
	default:
		return "", tomoerr.Configf("unknown regularisation method %q (must be none, ROF_TV, FGP_TV or PD_TV)", s)
	}
}

// Options configures the TV operators
type Options struct {
	// TimeMarchingStep is the explicit step of ROF_TV; 0 selects the default
	TimeMarchingStep float64

	// Tolerance stops the inner iterations early when the relative change of
	// the estimate drops below it; 0 runs every iteration
	Tolerance float64

	// Logger receives device fallback notices; nil discards them
	Logger *logrus.Logger
}

// DefaultTimeMarchingStep is the ROF_TV step used when none is configured
const DefaultTimeMarchingStep = 0.001

// New creates the regulariser for a method. None has no operator and is
// rejected here; callers skip the proximal step instead.
func New(method Method, opts Options) (Regulariser, error) {
	if opts.TimeMarchingStep < 0 || math.IsNaN(opts.TimeMarchingStep) {
		return nil, tomoerr.Configf("time_marching_step must be positive, got %g", opts.TimeMarchingStep)
	}
	if opts.TimeMarchingStep == 0 {
		opts.TimeMarchingStep = DefaultTimeMarchingStep
	}
	if opts.Tolerance < 0 {
		return nil, tomoerr.Configf("regulariser tolerance must be non-negative, got %g", opts.Tolerance)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	b := &base{method: method, opts: opts}
	switch method {
	case ROFTV:
		return &rof{base: b}, nil
	case FGPTV:
		return &fgp{base: b}, nil
	case PDTV:
		return &primalDual{base: b}, nil
	case None:
		return nil, tomoerr.Configf("regularisation method none has no proximal operator")
	default:
		return nil, tomoerr.Configf("unknown regularisation method %q", string(method))
	}
}

// base holds what every operator shares
type base struct {
	method  Method
	opts    Options
	gpuOnce sync.Once
}

// prepare validates a proximal call and returns the grid for the volume.
// A zero strength needs no iterations and is reported with ok == false.
func (b *base) prepare(vol *models.Volume, strength float64, iterations int, device models.Device) (g grid, ok bool, err error) {
	if vol == nil || len(vol.Data) != vol.Len() || vol.Len() == 0 {
		return grid{}, false, tomoerr.Configf("%s: invalid volume", b.method)
	}
	if strength < 0 || math.IsNaN(strength) || math.IsInf(strength, 0) {
		return grid{}, false, tomoerr.Configf("%s: regul_param must be finite and non-negative, got %g", b.method, strength)
	}
	if iterations <= 0 {
		return grid{}, false, tomoerr.Configf("%s: iterations must be positive, got %d", b.method, iterations)
	}
	if device == models.GPU {
		b.gpuOnce.Do(func() {
			b.opts.Logger.WithField("method", string(b.method)).
				Warn("No GPU regulariser backend available, using the CPU kernel")
		})
	}
	return newGrid(vol), strength > 0, nil
}

// converged reports whether the relative change between iterates is below tol
func converged(prev, cur []float64, tol float64) bool {
	if tol <= 0 {
		return false
	}
	var diff, norm float64
	for i := range cur {
		d := cur[i] - prev[i]
		diff += d * d
		norm += cur[i] * cur[i]
	}
	if norm == 0 {
		return diff == 0
	}
	return math.Sqrt(diff/norm) < tol
}

func (b *base) String() string {
	return fmt.Sprintf("%s (CPU)", b.method)
}
