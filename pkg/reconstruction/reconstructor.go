package reconstruction

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tomofista/internal/models"
	"tomofista/pkg/config"
	"tomofista/pkg/fidelity"
	"tomofista/pkg/projector"
	"tomofista/pkg/regulariser"
	"tomofista/pkg/visualization"
)

// Params holds the inputs of a reconstruction run
type Params struct {
	// Config holds every algorithm setting; it is validated by Process
	Config *config.Config

	// Data is the measured sinogram
	Data *models.Sinogram

	// RawData holds the PWLS weights, nil for the other fidelities
	RawData *models.Sinogram

	// RingWeights are Group-Huber weights carried over from an earlier run, or nil
	RingWeights []float64

	// SaveIntermediaryResults writes the initial and final estimates as
	// slice images below IntermediaryDir
	SaveIntermediaryResults bool
	IntermediaryDir         string

	// Logger receives the pipeline narration; nil discards it
	Logger *logrus.Logger

	// Progress is called after every optimizer iteration
	Progress func(Progress)
}

// Reconstructor runs the complete reconstruction pipeline:
// 1. Validating the configuration
// 2. Building the projector for the acquisition geometry
// 3. Building the data fidelity model
// 4. Estimating the Lipschitz constant, unless one is configured
// 5. Initialising the estimate (zero or filtered back projection)
// 6. Running FISTA
type Reconstructor struct {
	params *Params
	logger *logrus.Logger

	geom      models.Geometry
	projector *projector.ParallelBeam
	model     *fidelity.Model
	lipschitz float64
	result    *Result
	elapsed   time.Duration
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
//
// Parameters:
//   - params: Inputs and configuration of the run
//
// Returns:
//   - A new Reconstructor instance initialized with the provided parameters
func NewReconstructor(params *Params) *Reconstructor {
	logger := params.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Reconstructor{params: params, logger: logger}
}

// Process runs the complete reconstruction pipeline. When the optimizer
// stops early the partial result stays available through Result.
func (r *Reconstructor) Process(ctx context.Context) error {
	start := time.Now()
	defer func() { r.elapsed = time.Since(start) }()
	cfg := r.params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Step 1: Validate the configuration
	r.logger.Info("Step 1: Validating configuration...")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	geom, err := cfg.ModelGeometry()
	if err != nil {
		return err
	}
	r.geom = geom

	// Step 2: Build the projector
	r.logger.Info("Step 2: Building projector...")
	device, err := cfg.ProjectorDevice()
	if err != nil {
		return err
	}
	r.projector, err = projector.New(geom, device, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build projector: %w", err)
	}
	r.logger.WithField("projector", r.projector.String()).Debug("Projector ready")

	// Step 3: Build the fidelity model
	r.logger.Info("Step 3: Building data fidelity model...")
	fc, err := cfg.FidelityConfig(r.params.RawData)
	if err != nil {
		return err
	}
	r.model, err = fidelity.New(fc, geom)
	if err != nil {
		return fmt.Errorf("failed to build fidelity model: %w", err)
	}
	r.logger.WithField("fidelity", r.model.Kind().String()).Info("Fidelity selected")

	// Step 4: Lipschitz constant
	r.lipschitz = cfg.Algorithm.LipschitzConst
	if r.lipschitz > 0 {
		r.logger.WithField("lipschitz", r.lipschitz).Info("Step 4: Using configured Lipschitz constant")
	} else {
		r.logger.Info("Step 4: Estimating Lipschitz constant with the power method...")
		opts := PowerMethodOptions{Iterations: cfg.Algorithm.PowerIterations, Seed: cfg.Algorithm.Seed}
		if w := r.model.Weights(); w != nil {
			opts.Weights = w.Data
		}
		r.lipschitz, err = EstimateLipschitz(ctx, r.projector, opts)
		if err != nil {
			return fmt.Errorf("failed to estimate Lipschitz constant: %w", err)
		}
		r.logger.WithField("lipschitz", r.lipschitz).Info("Lipschitz constant estimated")
	}

	// Step 5: Initial estimate
	r.logger.Info("Step 5: Initialising estimate...")
	var initial *models.Volume
	if strings.EqualFold(cfg.Algorithm.Initialise, "fbp") {
		initial, err = r.projector.FBP(r.params.Data)
		if err != nil {
			return fmt.Errorf("failed to compute FBP initialisation: %w", err)
		}
		if r.params.SaveIntermediaryResults {
			r.saveIntermediaryResult("01_initial", initial)
		}
	}

	// Step 6: Run FISTA
	r.logger.Info("Step 6: Running FISTA...")
	opts, err := r.optimizerOptions(cfg, initial)
	if err != nil {
		return err
	}
	opt, err := NewOptimizer(r.projector, r.model, opts)
	if err != nil {
		return fmt.Errorf("failed to build optimizer: %w", err)
	}
	r.result, err = opt.Run(ctx, r.params.Data)
	if r.result != nil {
		r.logger.WithFields(logrus.Fields{
			"state":      r.result.State.String(),
			"iterations": r.result.Iterations,
		}).Info("FISTA finished")
		if r.params.SaveIntermediaryResults {
			r.saveIntermediaryResult("02_final", r.result.Volume)
		}
	}
	if err != nil {
		return fmt.Errorf("reconstruction stopped: %w", err)
	}
	return nil
}

func (r *Reconstructor) optimizerOptions(cfg *config.Config, initial *models.Volume) (Options, error) {
	opts := Options{
		Iterations:    cfg.Algorithm.Iterations,
		Tolerance:     cfg.Algorithm.Tolerance,
		Lipschitz:     r.lipschitz,
		Subsets:       int(cfg.Data.OSNumber),
		Nonnegativity: cfg.Algorithm.Nonnegativity,
		Initial:       initial,
		RingWeights:   r.params.RingWeights,
		Logger:        r.logger,
		Progress:      r.params.Progress,
	}

	method, err := cfg.RegulariserMethod()
	if err != nil {
		return Options{}, err
	}
	if method == regulariser.None {
		return opts, nil
	}
	device, err := cfg.RegulariserDevice()
	if err != nil {
		return Options{}, err
	}
	reg, err := regulariser.New(method, regulariser.Options{
		TimeMarchingStep: cfg.Regularisation.TimeMarchingStep,
		Tolerance:        cfg.Regularisation.Tolerance,
		Logger:           r.logger,
	})
	if err != nil {
		return Options{}, err
	}
	opts.Regulariser = reg
	opts.RegStrength = cfg.Regularisation.RegulParam
	opts.RegIterations = cfg.Regularisation.Iterations
	opts.Device = device
	r.logger.WithFields(logrus.Fields{
		"method":   string(method),
		"strength": opts.RegStrength,
		"device":   string(device),
	}).Info("Regularisation enabled")
	return opts, nil
}

// Result returns the optimizer result, or nil before Process reached the optimizer
func (r *Reconstructor) Result() *Result { return r.result }

// Lipschitz returns the Lipschitz constant used by the run
func (r *Reconstructor) Lipschitz() float64 { return r.lipschitz }

// Elapsed returns the duration of the last Process call
func (r *Reconstructor) Elapsed() time.Duration { return r.elapsed }

// GetVolumeData returns the reconstructed volume data and its dimensions
func (r *Reconstructor) GetVolumeData() ([]float64, int, int, int) {
	if r.result == nil || r.result.Volume == nil {
		return nil, 0, 0, 0
	}
	v := r.result.Volume
	return v.Data, v.Width, v.Height, v.Depth
}

// saveIntermediaryResult writes every slice of vol as an image. Failures
// are logged and do not stop the pipeline.
func (r *Reconstructor) saveIntermediaryResult(stage string, vol *models.Volume) {
	dir := filepath.Join(r.params.IntermediaryDir, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.logger.WithError(err).Warnf("Failed to create intermediary directory %s", dir)
		return
	}
	viewer := visualization.NewViewer(vol)
	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		r.logger.WithError(err).Warnf("Failed to save %s slices", stage)
	}
}
