// Package config provides configuration loading and management for tomofista.
// It handles loading configuration from YAML files, provides default values and
// converts the file representation into the typed settings of each component.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tomofista/internal/models"
	"tomofista/pkg/fidelity"
	"tomofista/pkg/regulariser"
	"tomofista/pkg/rings"
	"tomofista/pkg/tomoerr"
)

// Subsets is the ordered-subsets setting. In YAML it is either a subset
// count or the word "classic", which is stored as 0.
type Subsets int

// UnmarshalYAML accepts an integer or "classic"
func (s *Subsets) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("OS_number must be a number or \"classic\"")
	}
	if strings.EqualFold(strings.TrimSpace(value.Value), "classic") || value.Value == "" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("OS_number must be a number or \"classic\", got %q", value.Value)
	}
	*s = Subsets(n)
	return nil
}

// MarshalYAML writes 0 and 1 as "classic"
func (s Subsets) MarshalYAML() (interface{}, error) {
	if s <= 1 {
		return "classic", nil
	}
	return int(s), nil
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Acquisition geometry and reconstruction grid
	Geometry struct {
		// ObjSize is the width and height of the reconstructed grid
		ObjSize int `yaml:"obj_size"`

		// Detectors is the number of horizontal detector elements; 0 selects sqrt(2)*obj_size
		Detectors int `yaml:"detectors"`

		// Slices is the number of vertical detector rows (1 for 2D)
		Slices int `yaml:"slices"`

		// Angles describes evenly spaced projection angles in degrees
		Angles struct {
			StartDeg float64 `yaml:"start_deg"`
			StopDeg  float64 `yaml:"stop_deg"`
			Count    int     `yaml:"count"`
		} `yaml:"angles"`

		// CenterOffset shifts the centre of rotation in detector pixels
		CenterOffset float64 `yaml:"center_offset"`

		// Device selects the projector device (cpu or gpu)
		Device string `yaml:"device"`
	} `yaml:"geometry"`

	// Data fidelity parameters
	Data struct {
		// Fidelity is LS, PWLS, Huber or GH; empty infers it from the other keys
		Fidelity string `yaml:"fidelity"`

		// RawData is the path of the raw detector data used as PWLS weights
		RawData string `yaml:"raw_data,omitempty"`

		// HuberThreshold clips residuals for the Huber fidelity
		HuberThreshold float64 `yaml:"huber_threshold,omitempty"`

		// RingWeightsThreshold enables the median stripe model
		RingWeightsThreshold float64 `yaml:"ring_weights_threshold,omitempty"`

		// RingTupleHalfsizes are the stripe model windows (detectors, angles, slices)
		RingTupleHalfsizes []int `yaml:"ring_tuple_halfsizes,omitempty"`

		// RingGHLambda is the Group-Huber learning rate
		RingGHLambda float64 `yaml:"ringGH_lambda,omitempty"`

		// RingGHAccelerate caps the early Group-Huber learning rate multiplier
		RingGHAccelerate int `yaml:"ringGH_accelerate,omitempty"`

		// OSNumber is the number of ordered subsets or "classic"
		OSNumber Subsets `yaml:"OS_number"`
	} `yaml:"data"`

	// Optimizer parameters
	Algorithm struct {
		// Iterations is the maximum number of outer iterations
		Iterations int `yaml:"iterations"`

		// Tolerance is the relative change stop criterion; 0 disables it
		Tolerance float64 `yaml:"tolerance"`

		// LipschitzConst skips the power method when positive
		LipschitzConst float64 `yaml:"lipschitz_const"`

		// Nonnegativity clamps the estimate at zero
		Nonnegativity bool `yaml:"nonnegativity"`

		// Initialise is zero or fbp
		Initialise string `yaml:"initialise"`

		// PowerIterations is the number of power method iterations
		PowerIterations int `yaml:"power_iterations"`

		// Seed is the power method seed
		Seed uint64 `yaml:"seed"`
	} `yaml:"algorithm"`

	// Regularisation parameters
	Regularisation struct {
		// Method is none, ROF_TV, FGP_TV or PD_TV
		Method string `yaml:"method"`

		// RegulParam is the regularisation strength
		RegulParam float64 `yaml:"regul_param"`

		// Iterations is the inner iteration budget of the proximal step
		Iterations int `yaml:"iterations"`

		// TimeMarchingStep is the ROF_TV explicit step
		TimeMarchingStep float64 `yaml:"time_marching_step"`

		// Tolerance stops the inner iterations early; 0 disables it
		Tolerance float64 `yaml:"tolerance"`

		// DeviceRegulariser selects the regulariser device (cpu or gpu)
		DeviceRegulariser string `yaml:"device_regulariser"`
	} `yaml:"regularisation"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogLevel is a logrus level name; it overrides Verbose when set
		LogLevel string `yaml:"log_level"`

		// SaveSlices writes every reconstructed slice as an image
		SaveSlices bool `yaml:"save_slices"`

		// SlicesDir is the directory for the slice images
		SlicesDir string `yaml:"slices_dir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default geometry
	cfg.Geometry.ObjSize = 256
	cfg.Geometry.Slices = 1
	cfg.Geometry.Angles.StartDeg = 0
	cfg.Geometry.Angles.StopDeg = 179
	cfg.Geometry.Angles.Count = 180
	cfg.Geometry.Device = string(models.CPU)

	// Plain least squares, classic FISTA
	cfg.Data.Fidelity = ""
	cfg.Data.OSNumber = 0

	// Set default optimizer parameters
	cfg.Algorithm.Iterations = 100
	cfg.Algorithm.Initialise = "zero"
	cfg.Algorithm.PowerIterations = 15
	cfg.Algorithm.Seed = 1

	// Set default regularisation parameters
	cfg.Regularisation.Method = string(regulariser.None)
	cfg.Regularisation.RegulParam = 0.001
	cfg.Regularisation.Iterations = 100
	cfg.Regularisation.TimeMarchingStep = regulariser.DefaultTimeMarchingStep
	cfg.Regularisation.DeviceRegulariser = string(models.CPU)

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"
	cfg.Output.SlicesDir = "slices"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every section and returns an error wrapping
// tomoerr.ErrConfiguration for the first problem found
func (c *Config) Validate() error {
	geom, err := c.ModelGeometry()
	if err != nil {
		return err
	}
	if _, err := models.ParseDevice(c.Geometry.Device); err != nil {
		return tomoerr.Configf("geometry.device: %v", err)
	}

	// PWLS weights are only read by the caller, so a placeholder of the
	// right shape stands in for them here.
	var raw *models.Sinogram
	if c.Data.RawData != "" {
		raw = geom.NewSinogram(len(geom.Angles))
	}
	fc, err := c.FidelityConfig(raw)
	if err != nil {
		return err
	}
	if err := fc.Validate(geom); err != nil {
		return err
	}
	if c.Data.OSNumber < 0 || int(c.Data.OSNumber) > len(geom.Angles) {
		return tomoerr.Configf("OS_number %d must be between 0 and the %d angles", c.Data.OSNumber, len(geom.Angles))
	}

	a := c.Algorithm
	if a.Iterations <= 0 {
		return tomoerr.Configf("algorithm.iterations must be positive, got %d", a.Iterations)
	}
	if a.Tolerance < 0 || math.IsNaN(a.Tolerance) {
		return tomoerr.Configf("algorithm.tolerance must be non-negative, got %g", a.Tolerance)
	}
	if a.LipschitzConst < 0 || math.IsNaN(a.LipschitzConst) || math.IsInf(a.LipschitzConst, 0) {
		return tomoerr.Configf("algorithm.lipschitz_const must be positive, got %g", a.LipschitzConst)
	}
	if a.PowerIterations < 0 {
		return tomoerr.Configf("algorithm.power_iterations must be positive, got %d", a.PowerIterations)
	}
	switch strings.ToLower(a.Initialise) {
	case "", "zero", "fbp":
	default:
		return tomoerr.Configf("algorithm.initialise must be zero or fbp, got %q", a.Initialise)
	}

	method, err := c.RegulariserMethod()
	if err != nil {
		return err
	}
	if method != regulariser.None {
		r := c.Regularisation
		if r.RegulParam < 0 || math.IsNaN(r.RegulParam) {
			return tomoerr.Configf("regularisation.regul_param must be non-negative, got %g", r.RegulParam)
		}
		if r.Iterations <= 0 {
			return tomoerr.Configf("regularisation.iterations must be positive, got %d", r.Iterations)
		}
		if r.TimeMarchingStep < 0 {
			return tomoerr.Configf("regularisation.time_marching_step must be positive, got %g", r.TimeMarchingStep)
		}
		if _, err := models.ParseDevice(r.DeviceRegulariser); err != nil {
			return tomoerr.Configf("regularisation.device_regulariser: %v", err)
		}
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// ModelGeometry converts the geometry section
func (c *Config) ModelGeometry() (models.Geometry, error) {
	g := c.Geometry
	if g.Angles.Count <= 0 {
		return models.Geometry{}, tomoerr.Configf("geometry.angles.count must be positive, got %d", g.Angles.Count)
	}
	detectors := g.Detectors
	if detectors == 0 {
		detectors = int(math.Sqrt2 * float64(g.ObjSize))
	}
	slices := g.Slices
	if slices == 0 {
		slices = 1
	}
	geom := models.Geometry{
		ObjSize:      g.ObjSize,
		Detectors:    detectors,
		Slices:       slices,
		Angles:       models.Degrees(g.Angles.StartDeg, g.Angles.StopDeg, g.Angles.Count),
		CenterOffset: g.CenterOffset,
	}
	if err := geom.Validate(); err != nil {
		return models.Geometry{}, tomoerr.Configf("geometry: %v", err)
	}
	return geom, nil
}

// ProjectorDevice returns the projector device
func (c *Config) ProjectorDevice() (models.Device, error) {
	d, err := models.ParseDevice(c.Geometry.Device)
	if err != nil {
		return "", tomoerr.Configf("geometry.device: %v", err)
	}
	return d, nil
}

// RegulariserDevice returns the regulariser device
func (c *Config) RegulariserDevice() (models.Device, error) {
	d, err := models.ParseDevice(c.Regularisation.DeviceRegulariser)
	if err != nil {
		return "", tomoerr.Configf("regularisation.device_regulariser: %v", err)
	}
	return d, nil
}

// FidelityKind returns the configured fidelity. When the fidelity key is
// empty the kind is inferred from the parameters present, in the order
// Group-Huber, Huber, PWLS, LS.
func (c *Config) FidelityKind() (fidelity.Kind, error) {
	d := c.Data
	if d.Fidelity != "" {
		return fidelity.ParseKind(d.Fidelity)
	}
	switch {
	case d.RingGHLambda != 0 || d.RingGHAccelerate != 0:
		return fidelity.GroupHuber, nil
	case d.HuberThreshold != 0:
		return fidelity.Huber, nil
	case d.RawData != "":
		return fidelity.WeightedLeastSquares, nil
	default:
		return fidelity.LeastSquares, nil
	}
}

// FidelityConfig converts the data section. raw holds the PWLS weights
// loaded by the caller, or nil.
func (c *Config) FidelityConfig(raw *models.Sinogram) (fidelity.Config, error) {
	kind, err := c.FidelityKind()
	if err != nil {
		return fidelity.Config{}, err
	}
	d := c.Data
	fc := fidelity.Config{
		Kind:           kind,
		RawData:        raw,
		HuberThreshold: d.HuberThreshold,
		RingThreshold:  d.RingWeightsThreshold,
		GHLambda:       d.RingGHLambda,
		GHAccelerate:   d.RingGHAccelerate,
	}
	switch len(d.RingTupleHalfsizes) {
	case 0:
	case 3:
		fc.RingHalfsizes = rings.Halfsizes{
			Detectors: d.RingTupleHalfsizes[0],
			Angles:    d.RingTupleHalfsizes[1],
			Slices:    d.RingTupleHalfsizes[2],
		}
	default:
		return fidelity.Config{}, tomoerr.Configf("ring_tuple_halfsizes needs 3 values, got %d", len(d.RingTupleHalfsizes))
	}
	if fc.RingThreshold > 0 && len(d.RingTupleHalfsizes) == 0 {
		// default stripe windows
		fc.RingHalfsizes = rings.Halfsizes{Detectors: 9, Angles: 7, Slices: 0}
	}
	return fc, nil
}

// RegulariserMethod returns the configured regularisation method
func (c *Config) RegulariserMethod() (regulariser.Method, error) {
	return regulariser.ParseMethod(c.Regularisation.Method)
}

// LogLevel returns the logrus level for the output section
func (c *Config) LogLevel() (logrus.Level, error) {
	if c.Output.LogLevel == "" {
		if c.Output.Verbose {
			return logrus.InfoLevel, nil
		}
		return logrus.WarnLevel, nil
	}
	level, err := logrus.ParseLevel(c.Output.LogLevel)
	if err != nil {
		return 0, tomoerr.Configf("output.log_level: %v", err)
	}
	return level, nil
}
